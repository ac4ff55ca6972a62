package infra

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"leadflow/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is a throwaway search_path target. The zero value means the
// database's default schema is used as-is.
type Schema struct {
	name string
}

// NewSchema creates a per-run schema so shared databases are left untouched.
func NewSchema(ctx context.Context, dsn string) (Schema, error) {
	s := Schema{name: fmt.Sprintf("stress_run_%d", time.Now().UnixNano())}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return Schema{}, fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+s.ident()); err != nil {
		return Schema{}, fmt.Errorf("create schema %s: %w", s.name, err)
	}
	return s, nil
}

func (s Schema) ident() string {
	return pgx.Identifier{s.name}.Sanitize()
}

// Configure points every connection of cfg at the schema.
func (s Schema) Configure(cfg *pgxpool.Config) {
	if s.name == "" {
		return
	}
	setPath := "SET search_path TO " + s.ident()
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, setPath)
		return err
	}
}

// Drop removes the schema and everything in it.
func (s Schema) Drop(ctx context.Context, dsn string) error {
	if s.name == "" {
		return nil
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+s.ident()+" CASCADE")
	return err
}

// ApplyMigrations executes the embedded up migrations in version order.
// golang-migrate keeps its version table in the public schema, so the
// isolated runs apply the files directly instead.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrations := db.Migrations()
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		data, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply %s: %w", e.Name(), err)
		}
	}
	return nil
}
