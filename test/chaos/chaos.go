// Package chaos disrupts the stress run from the database side.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates a random backend tagged with App about once every
// Every/Chance. It must run on a pool that is not tagged with App.
type Killer struct {
	Pool   *pgxpool.Pool
	App    string
	Every  time.Duration
	Chance int

	kills atomic.Int64
}

// Run loops until ctx ends or stop is closed.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	every, chance := k.Every, k.Chance
	if every <= 0 {
		every = 2 * time.Second
	}
	if chance <= 0 {
		chance = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(chance) == 0 {
				k.killOne(ctx)
			}
		}
	}
}

func (k *Killer) killOne(ctx context.Context) {
	var killed bool
	err := k.Pool.QueryRow(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = current_database() AND application_name = $1
		ORDER BY random() LIMIT 1`, k.App).Scan(&killed)
	if err == nil && killed {
		k.kills.Add(1)
	}
}

// Kills reports how many backends were terminated.
func (k *Killer) Kills() int64 {
	return k.kills.Load()
}
