package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// ActorsApp tags the connections chaos is allowed to kill.
	ActorsApp   = "leadflow-stress"
	observerApp = "leadflow-stress-observer"
)

// Harness owns the Postgres container, the isolated schema and two pools:
// one for the actors and one for oracles, which chaos leaves alone.
type Harness struct {
	db       *Database
	schema   Schema
	pool     *pgxpool.Pool
	observer *pgxpool.Pool
}

// NewHarness boots (or reuses) Postgres and applies the embedded migrations.
// A shared database gets its own schema which Close drops again.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	db, err := OpenDatabase(ctx, overrideDSN)
	if err != nil {
		return nil, err
	}
	h := &Harness{db: db}

	if db.Shared() {
		if h.schema, err = NewSchema(ctx, db.DSN); err != nil {
			h.Close(ctx)
			return nil, err
		}
	}

	if h.pool, err = h.newPool(ctx, ActorsApp, 64); err != nil {
		h.Close(ctx)
		return nil, err
	}
	if h.observer, err = h.newPool(ctx, observerApp, 4); err != nil {
		h.Close(ctx)
		return nil, err
	}

	if err := ApplyMigrations(ctx, h.observer); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

func (h *Harness) newPool(ctx context.Context, app string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(h.db.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = app
	h.schema.Configure(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// Pool is used by the actors.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Observer is used by oracles and dumps.
func (h *Harness) Observer() *pgxpool.Pool {
	return h.observer
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.observer != nil {
		h.observer.Close()
	}
	var err error
	if h.db.Shared() {
		err = h.schema.Drop(ctx, h.db.DSN)
	}
	if terr := h.db.Close(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.observer.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tables := pgx.Identifier{"notification_outbox"}.Sanitize() + ", " +
		pgx.Identifier{"leads"}.Sanitize() + ", " +
		pgx.Identifier{"requirements"}.Sanitize()
	if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tables+" RESTART IDENTITY CASCADE"); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
