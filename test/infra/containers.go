package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// SharedDSNEnv names a database to reuse instead of starting a container.
const SharedDSNEnv = "STRESS_TEST_PG_DSN"

// Database is where a stress run executes: either a throwaway container or a
// shared server reached by DSN.
type Database struct {
	DSN       string
	container *postgres.PostgresContainer
}

// OpenDatabase prefers override, then SharedDSNEnv, and only then boots
// postgres:16-alpine.
func OpenDatabase(ctx context.Context, override string) (*Database, error) {
	for _, dsn := range []string{override, os.Getenv(SharedDSNEnv)} {
		if dsn != "" {
			return &Database{DSN: dsn}, nil
		}
	}

	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("leadflow"),
		postgres.WithUsername("leadflow"),
		postgres.WithPassword("leadflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("run postgres container: %w", err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("container dsn: %w", err)
	}
	return &Database{DSN: dsn, container: c}, nil
}

// Shared reports whether other users may see this database.
func (d *Database) Shared() bool {
	return d.container == nil
}

func (d *Database) Close(ctx context.Context) error {
	if d == nil || d.container == nil {
		return nil
	}
	return d.container.Terminate(ctx)
}
