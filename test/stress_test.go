package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"testing"
	"time"

	"leadflow/lead"
	"leadflow/notify"
	"leadflow/requirement"
	"leadflow/test/actors"
	"leadflow/test/chaos"
	"leadflow/test/infra"
	"leadflow/test/oracles"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent claimers")
	flSellers     = flag.Int("sellers", 6, "size of the seller pool")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestLeadFlowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	if *flDSN == "" && os.Getenv(infra.SharedDSNEnv) == "" && !dockerAvailable(ctx) {
		t.Skip("no database: pass -dsn, set STRESS_TEST_PG_DSN or make docker available")
	}

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))

	repo := requirement.NewRepository(pool)
	ledger := lead.NewLedger(pool)
	outbox := notify.NewOutbox(pool, notify.RetryPolicy{MaxAttempts: 5, Backoff: 50 * time.Millisecond})
	dispatcher := actors.NewFlakyDispatcher(7, 20*time.Millisecond)

	coord := lead.NewCoordinator(pool, repo, ledger, outbox, actors.Sellers{}, dispatcher).
		WithLogger(logger).
		WithDispatchTimeout(100 * time.Millisecond).
		WithInlineGrace(500 * time.Millisecond)
	lifecycle := lead.NewLifecycle(pool, repo, ledger).WithLogger(logger)
	relay := notify.NewRelay(outbox, dispatcher, notify.RelayConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    20,
		Concurrency:  4,
		Lease:        2 * time.Second,
	}, logger)

	sellers := make([]string, *flSellers)
	for i := range sellers {
		sellers[i] = uuid.NewString()
	}
	catalog := &actors.Catalog{}
	counters := &actors.Counters{}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	relay.Start(ctx2)
	g.Go(func() error { return actors.Publisher(ctx2, repo, catalog, counters, stop) })
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Claimer(ctx2, coord, catalog, sellers, counters, stop) })
	}
	g.Go(func() error { return actors.Closer(ctx2, lifecycle, catalog, counters, stop) })
	g.Go(func() error { return actors.Canceller(ctx2, pool, lifecycle, counters, stop) })
	killer := &chaos.Killer{Pool: h.Observer(), App: infra.ActorsApp}
	go killer.Run(ctx2, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			checkOracles(ctx2, t, h.Observer())
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	if err := relay.Stop(ctx); err != nil {
		t.Fatalf("stop relay: %v", err)
	}
	t.Logf("stress done: %s requirements=%d backends_killed=%d", counters, catalog.Len(), killer.Kills())
	if counters.Claims.Load() == 0 {
		t.Fatalf("no claim succeeded")
	}

	checkOracles(ctx, t, h.Observer())
	drainOutbox(ctx, t, h.Observer(), relay, dispatcher)
}

func checkOracles(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	violation, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		t.Fatalf("oracle error: %v", err)
	}
	if violation != nil {
		dumpRecent(ctx, t, pool)
		t.Fatalf("oracle violated: %s", violation)
	}
}

// drainOutbox heals the receiver and runs the relay until nothing is
// pending, proving every enqueued notification reaches a terminal state.
func drainOutbox(ctx context.Context, t *testing.T, pool *pgxpool.Pool, relay *notify.Relay, dispatcher *actors.FlakyDispatcher) {
	t.Helper()
	dispatcher.Heal()

	var pending, dead int
	for range 20 {
		if _, err := pool.Exec(ctx, `UPDATE notification_outbox SET next_attempt_at = now() WHERE status = 'pending'`); err != nil {
			t.Fatalf("expire leases: %v", err)
		}
		if _, err := relay.RunOnce(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
		if err := pool.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE status = 'pending'), COUNT(*) FILTER (WHERE status = 'dead')
			FROM notification_outbox
		`).Scan(&pending, &dead); err != nil {
			t.Fatalf("count outbox: %v", err)
		}
		if pending == 0 {
			break
		}
	}
	if pending != 0 {
		dumpRecent(ctx, t, pool)
		t.Fatalf("%d notifications still pending after drain", pending)
	}
	t.Logf("outbox drained: delivered keys=%d dead=%d", dispatcher.Delivered(), dead)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"requirements", `SELECT id, buyer_id, status, updated_at FROM requirements ORDER BY updated_at DESC LIMIT 50`},
		{"leads", `SELECT id, seller_id, requirement_id, status, updated_at FROM leads ORDER BY updated_at DESC LIMIT 50`},
		{"notification_outbox", `SELECT id, lead_id, status, attempts, next_attempt_at, last_error FROM notification_outbox ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
