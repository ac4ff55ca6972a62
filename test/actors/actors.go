// Package actors drives the lead services concurrently against a real
// database. Each actor loops until stop is closed, tolerating the transient
// failures chaos injects and returning only on errors that indicate a bug.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"leadflow/apperr"
	"leadflow/identity"
	"leadflow/lead"
	"leadflow/notify"
	"leadflow/requirement"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog is the shared set of requirements the actors fight over.
type Catalog struct {
	mu      sync.RWMutex
	entries []requirement.Requirement
}

func (c *Catalog) Add(r requirement.Requirement) {
	c.mu.Lock()
	c.entries = append(c.entries, r)
	c.mu.Unlock()
}

// Pick returns a random requirement, or false while the catalog is empty.
func (c *Catalog) Pick() (requirement.Requirement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return requirement.Requirement{}, false
	}
	return c.entries[rand.Intn(len(c.entries))], true
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sellers answers every lookup with a seller profile.
type Sellers struct{}

func (Sellers) Lookup(_ context.Context, userID string) (identity.User, error) {
	return identity.User{ID: userID, Name: "Stress Seller", Role: identity.RoleSeller}, nil
}

// FlakyDispatcher fails one in every failEvery messages.
type FlakyDispatcher struct {
	latency   time.Duration
	failEvery atomic.Int64
	calls     atomic.Int64

	mu        sync.Mutex
	delivered map[string]int
}

func NewFlakyDispatcher(failEvery int64, latency time.Duration) *FlakyDispatcher {
	d := &FlakyDispatcher{latency: latency, delivered: map[string]int{}}
	d.failEvery.Store(failEvery)
	return d
}

func (d *FlakyDispatcher) Dispatch(ctx context.Context, msg notify.Message) (notify.Receipt, error) {
	n := d.calls.Add(1)
	if d.latency > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(d.latency)))):
		case <-ctx.Done():
			return notify.Receipt{}, ctx.Err()
		}
	}
	if every := d.failEvery.Load(); every > 0 && n%every == 0 {
		return notify.Receipt{}, errors.New("receiver unavailable")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered[msg.IdempotencyKey]++
	return notify.Receipt{MessageID: "msg-" + msg.IdempotencyKey, Duplicate: d.delivered[msg.IdempotencyKey] > 1}, nil
}

// Heal stops injecting failures.
func (d *FlakyDispatcher) Heal() {
	d.failEvery.Store(0)
}

func (d *FlakyDispatcher) Delivered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

// Counters tallies outcomes across actors for the final report.
type Counters struct {
	Claims     atomic.Int64
	Conflicts  atomic.Int64
	Closes     atomic.Int64
	Cancels    atomic.Int64
	Transients atomic.Int64
}

func (c *Counters) String() string {
	return fmt.Sprintf("claims=%d conflicts=%d closes=%d cancels=%d transients=%d",
		c.Claims.Load(), c.Conflicts.Load(), c.Closes.Load(), c.Cancels.Load(), c.Transients.Load())
}

// classify sorts an error into expected, transient (killed connections
// surface as internal errors) or fatal.
func classify(err error, counters *Counters, expected ...apperr.Kind) error {
	if err == nil {
		return nil
	}
	kind := apperr.KindOf(err)
	for _, k := range expected {
		if kind == k {
			return nil
		}
	}
	if kind == apperr.KindInternal || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		counters.Transients.Add(1)
		return nil
	}
	return err
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Publisher keeps adding fresh requirements so claimers always have work.
func Publisher(ctx context.Context, repo *requirement.PGRepository, catalog *Catalog, counters *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		created, err := repo.Create(ctx, requirement.Requirement{
			BuyerID:     uuid.NewString(),
			ProductName: fmt.Sprintf("Stress batch %d", rand.Int63()),
			Status:      requirement.StatusOpen,
		})
		if err != nil {
			counters.Transients.Add(1)
		} else {
			catalog.Add(created)
		}
		jitter(150, 150)
	}
}

// Claimer makes sellers from a small pool claim random requirements, so the
// same seller regularly races itself on the same requirement.
func Claimer(ctx context.Context, coord *lead.Coordinator, catalog *Catalog, sellers []string, counters *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		req, ok := catalog.Pick()
		if !ok {
			jitter(10, 20)
			continue
		}
		seller := sellers[rand.Intn(len(sellers))]
		_, err := coord.Claim(ctx, lead.ClaimRequest{SellerID: seller, RequirementID: req.ID, Message: "interested"})
		switch {
		case err == nil:
			counters.Claims.Add(1)
		case apperr.KindOf(err) == apperr.KindConflict:
			counters.Conflicts.Add(1)
		default:
			if err := classify(err, counters, apperr.KindDependencyUnavailable); err != nil {
				return fmt.Errorf("claimer: %w", err)
			}
		}
		jitter(5, 20)
	}
}

// Closer lets buyers close random requirements. Most attempts find the
// requirement Open or already Closed and are refused.
func Closer(ctx context.Context, lifecycle *lead.Lifecycle, catalog *Catalog, counters *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		req, ok := catalog.Pick()
		if !ok {
			jitter(20, 20)
			continue
		}
		_, err := lifecycle.Close(ctx, req.ID, req.BuyerID)
		if err == nil {
			counters.Closes.Add(1)
		} else if err := classify(err, counters, apperr.KindNotFound); err != nil {
			return fmt.Errorf("closer: %w", err)
		}
		jitter(100, 200)
	}
}

// Canceller withdraws a random live lead on behalf of its seller.
func Canceller(ctx context.Context, pool *pgxpool.Pool, lifecycle *lead.Lifecycle, counters *Counters, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var leadID, sellerID string
		err := pool.QueryRow(ctx, `
			SELECT id::text, seller_id::text FROM leads
			WHERE status = 'Processing'
			ORDER BY random() LIMIT 1
		`).Scan(&leadID, &sellerID)
		if err != nil {
			jitter(30, 30)
			continue
		}
		_, err = lifecycle.Cancel(ctx, leadID, sellerID)
		if err == nil {
			counters.Cancels.Add(1)
		} else if err := classify(err, counters, apperr.KindNotFound); err != nil {
			return fmt.Errorf("canceller: %w", err)
		}
		jitter(40, 80)
	}
}
