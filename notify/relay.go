package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"leadflow/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RelayConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	Concurrency      int
	Lease            time.Duration
	CleanupEnabled   bool
	CleanupRetention time.Duration
	CleanupInterval  time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:     2 * time.Second,
		BatchSize:        50,
		Concurrency:      4,
		Lease:            time.Minute,
		CleanupEnabled:   true,
		CleanupRetention: 7 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
	}
}

type relayStore interface {
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]Entry, error)
	MarkDelivered(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, cause error) (bool, error)
	DeleteDelivered(ctx context.Context, retention time.Duration) (int64, error)
}

// Relay retries notifications that were not delivered inline.
type Relay struct {
	store      relayStore
	dispatcher Dispatcher
	config     RelayConfig
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// BatchResult summarises one poll cycle.
type BatchResult struct {
	Claimed   int
	Delivered int
	Failed    int
	Dead      int
}

func NewRelay(store relayStore, dispatcher Dispatcher, config RelayConfig, logger *zap.Logger) *Relay {
	def := DefaultRelayConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.Lease <= 0 {
		config.Lease = def.Lease
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:      store,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
}

// Start launches the poll loop and, when enabled, the cleanup loop. Calls
// on a running relay are no-ops.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.logger.Warn("notification relay already running")
		return
	}
	r.running = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.pollLoop(ctx)

	if r.config.CleanupEnabled && r.config.CleanupRetention > 0 {
		r.wg.Add(1)
		go r.cleanupLoop(ctx)
	}

	r.logger.Info("notification relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Int("concurrency", r.config.Concurrency),
		zap.Duration("poll_interval", r.config.PollInterval),
	)
}

// Stop cancels the loops and waits for in-flight deliveries or ctx expiry.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.running = false
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("notification relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("notification relay cycle failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.DeleteDelivered(ctx, r.config.CleanupRetention)
			if err != nil {
				r.logger.Error("notification cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("notification cleanup removed delivered entries", zap.Int64("count", n))
			}
		}
	}
}

// RunOnce claims one batch of due entries and delivers them with bounded
// concurrency.
func (r *Relay) RunOnce(ctx context.Context) (BatchResult, error) {
	entries, err := r.store.ClaimDue(ctx, r.config.BatchSize, r.config.Lease)
	if err != nil {
		return BatchResult{}, err
	}

	var delivered, failed, dead atomic.Int32
	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			switch r.deliver(ctx, entry) {
			case outcomeDelivered:
				delivered.Add(1)
			case outcomeDead:
				dead.Add(1)
				failed.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return BatchResult{
		Claimed:   len(entries),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
		Dead:      int(dead.Load()),
	}, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeDead
)

func (r *Relay) deliver(ctx context.Context, entry Entry) outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "notify.Relay.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("lead.id", entry.LeadID),
		attribute.Int("notification.attempts", entry.Attempts),
	)

	log := r.logger.With(
		zap.String("lead_id", entry.LeadID),
		zap.String("idempotency_key", entry.IdempotencyKey),
		zap.Int("attempts", entry.Attempts),
	)

	receipt, err := r.dispatcher.Dispatch(ctx, entry.Message)
	if err == nil {
		if markErr := r.store.MarkDelivered(ctx, entry.IdempotencyKey); markErr != nil {
			log.Error("failed to mark notification delivered", zap.Error(markErr))
		}
		log.Debug("notification delivered", zap.String("message_id", receipt.MessageID))
		return outcomeDelivered
	}

	telemetry.Fail(span, err)
	log.Warn("notification delivery failed", zap.Error(err))

	isDead, markErr := r.store.MarkFailed(ctx, entry.IdempotencyKey, err)
	if markErr != nil {
		log.Error("failed to record notification failure", zap.Error(markErr))
		return outcomeRetry
	}
	if isDead {
		log.Warn("notification moved to dead state",
			zap.Int("attempts", entry.Attempts+1),
			zap.String("last_error", err.Error()),
		)
		return outcomeDead
	}
	return outcomeRetry
}
