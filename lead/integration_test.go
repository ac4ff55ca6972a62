package lead

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"leadflow/db"
	"leadflow/identity"
	"leadflow/notify"
	"leadflow/requirement"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestClaimFlow_Integration runs the claim, close and cancel flows against a
// live PostgreSQL given by DATABASE_URL.
func TestClaimFlow_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	m, err := db.NewMigrator(dsn, nil)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	_ = m.Close()

	pool, err := db.NewPool(ctx, dsn, db.PoolConfig{MaxConns: 32})
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	buyer := uuid.NewString()
	sellers := make([]string, 8)
	users := map[string]identity.User{}
	for i := range sellers {
		sellers[i] = uuid.NewString()
		users[sellers[i]] = identity.User{ID: sellers[i], Name: "seller", Role: identity.RoleSeller}
	}

	reqs := requirement.NewRepository(pool)
	created, err := reqs.Create(ctx, requirement.Requirement{
		BuyerID:     buyer,
		ProductName: "Integration widgets",
		Status:      requirement.StatusOpen,
	})
	if err != nil {
		t.Fatalf("seed requirement: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM requirements WHERE id = $1`, created.ID)
	})

	ledger := NewLedger(pool)
	outbox := notify.NewOutbox(pool, notify.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond})
	dispatcher := &fakeDispatcher{err: errors.New("receiver offline")}
	coord := NewCoordinator(pool, reqs, ledger, outbox, &fakeVerifier{users: users}, dispatcher).
		WithDispatchTimeout(time.Second)
	lifecycle := NewLifecycle(pool, reqs, ledger)

	// Every seller claims twice, concurrently.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded = map[string]string{}
		conflicts int
	)
	for _, seller := range sellers {
		for range 2 {
			wg.Add(1)
			go func(seller string) {
				defer wg.Done()
				res, err := coord.Claim(ctx, ClaimRequest{SellerID: seller, RequirementID: created.ID, Message: "interested"})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded[seller] = res.LeadID
					if !res.NotificationPending {
						t.Errorf("expected notification pending with receiver offline")
					}
				case errors.Is(err, ErrAlreadyContacted):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}(seller)
		}
	}
	wg.Wait()

	if len(succeeded) != len(sellers) || conflicts != len(sellers) {
		t.Fatalf("expected one success and one conflict per seller, got %d successes %d conflicts", len(succeeded), conflicts)
	}

	var leads, outboxRows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM leads WHERE requirement_id = $1`, created.ID).Scan(&leads); err != nil {
		t.Fatalf("count leads: %v", err)
	}
	if err := pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM notification_outbox o JOIN leads l ON l.id = o.lead_id
        WHERE l.requirement_id = $1 AND o.status = 'pending' AND o.attempts = 1
    `, created.ID).Scan(&outboxRows); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if leads != len(sellers) || outboxRows != len(sellers) {
		t.Fatalf("expected %d leads and pending outbox rows, got %d and %d", len(sellers), leads, outboxRows)
	}

	// Cancel one lead; the requirement reopens while others stay Processing.
	res, err := lifecycle.Cancel(ctx, succeeded[sellers[0]], sellers[0])
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.OtherProcessingLeads != len(sellers)-1 {
		t.Errorf("expected %d other processing leads, got %d", len(sellers)-1, res.OtherProcessingLeads)
	}
	if got := mustStatus(ctx, t, pool, created.ID); got != requirement.StatusOpen {
		t.Fatalf("expected Open after cancel, got %s", got)
	}

	// Close is refused while Open, then succeeds once a claim brings it back.
	if _, err := lifecycle.Close(ctx, created.ID, buyer); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected close of Open requirement to be NotFound, got %v", err)
	}
	late := uuid.NewString()
	users[late] = identity.User{ID: late, Role: identity.RoleSeller}
	if _, err := coord.Claim(ctx, ClaimRequest{SellerID: late, RequirementID: created.ID, Message: "late"}); err != nil {
		t.Fatalf("late claim: %v", err)
	}
	closed, err := lifecycle.Close(ctx, created.ID, buyer)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// The cancelled lead is closed along with the live ones and the late one.
	if closed.ClosedLeads != int64(len(sellers)+1) {
		t.Errorf("expected %d closed leads, got %d", len(sellers)+1, closed.ClosedLeads)
	}

	var notClosed int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM leads WHERE requirement_id = $1 AND status <> 'Closed'`, created.ID).Scan(&notClosed); err != nil {
		t.Fatalf("count unclosed: %v", err)
	}
	if notClosed != 0 {
		t.Errorf("expected every lead closed, %d are not", notClosed)
	}
	if _, err := coord.Claim(ctx, ClaimRequest{SellerID: uuid.NewString(), RequirementID: created.ID, Message: "too late"}); !errors.Is(err, ErrRequirementClosed) {
		t.Errorf("expected claim after close to conflict, got %v", err)
	}

	// The relay delivers the pending messages once the receiver is back.
	dispatcher.mu.Lock()
	dispatcher.err = nil
	dispatcher.mu.Unlock()
	if _, err := pool.Exec(ctx, `
        UPDATE notification_outbox SET next_attempt_at = now()
        WHERE lead_id IN (SELECT id FROM leads WHERE requirement_id = $1)
    `, created.ID); err != nil {
		t.Fatalf("expire grace: %v", err)
	}
	relay := notify.NewRelay(outbox, dispatcher, notify.RelayConfig{BatchSize: 100}, nil)
	if _, err := relay.RunOnce(ctx); err != nil {
		t.Fatalf("relay: %v", err)
	}
	var undelivered int
	if err := pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM notification_outbox o JOIN leads l ON l.id = o.lead_id
        WHERE l.requirement_id = $1 AND o.status <> 'delivered'
    `, created.ID).Scan(&undelivered); err != nil {
		t.Fatalf("count undelivered: %v", err)
	}
	if undelivered != 0 {
		t.Errorf("expected relay to deliver everything, %d left", undelivered)
	}
}

func mustStatus(ctx context.Context, t *testing.T, pool *pgxpool.Pool, id string) requirement.Status {
	t.Helper()
	var s requirement.Status
	if err := pool.QueryRow(ctx, `SELECT status FROM requirements WHERE id = $1`, id).Scan(&s); err != nil {
		t.Fatalf("read status: %v", err)
	}
	return s
}
