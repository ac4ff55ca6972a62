package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

var ErrDuplicateNotification = errors.New("notify: notification already enqueued")

// Entry is one persisted notification intent.
type Entry struct {
	ID             int64
	LeadID         string
	IdempotencyKey string
	Message        Message
	Status         Status
	Attempts       int
	NextAttemptAt  time.Time
	LastError      *string
}

// RetryPolicy is a fixed backoff with a bounded number of attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 30 * time.Second}
}

// Outbox persists notification intents next to the lead that caused them.
type Outbox struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
}

func NewOutbox(pool *pgxpool.Pool, policy RetryPolicy) *Outbox {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.Backoff <= 0 {
		policy.Backoff = DefaultRetryPolicy().Backoff
	}
	return &Outbox{pool: pool, policy: policy}
}

// Enqueue writes the intent inside tx. The relay will not pick it up before
// notBefore has elapsed, leaving room for an inline delivery attempt.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, leadID string, msg Message, notBefore time.Duration) error {
	if msg.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	const query = `
		INSERT INTO notification_outbox (lead_id, idempotency_key, payload, next_attempt_at)
		VALUES ($1, $2, $3, now() + $4::bigint * interval '1 millisecond')
	`
	if _, err := tx.Exec(ctx, query, leadID, msg.IdempotencyKey, msg, notBefore.Milliseconds()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateNotification
		}
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

func (o *Outbox) MarkDelivered(ctx context.Context, key string) error {
	const query = `
		UPDATE notification_outbox
		SET status = 'delivered', attempts = attempts + 1, delivered_at = now(), last_error = NULL
		WHERE idempotency_key = $1 AND status = 'pending'
	`
	if _, err := o.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("notify: mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt and reports whether the entry is now
// dead. A dead entry is never retried.
func (o *Outbox) MarkFailed(ctx context.Context, key string, cause error) (bool, error) {
	const query = `
		UPDATE notification_outbox
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END,
		    next_attempt_at = now() + $4::bigint * interval '1 millisecond'
		WHERE idempotency_key = $1 AND status = 'pending'
		RETURNING status
	`
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	var status Status
	err := o.pool.QueryRow(ctx, query, key, msg, o.policy.MaxAttempts, o.policy.Backoff.Milliseconds()).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Delivered or dead in the meantime.
			return false, nil
		}
		return false, fmt.Errorf("notify: mark failed: %w", err)
	}
	return status == StatusDead, nil
}

// ClaimDue leases up to limit due entries. Rows locked by another relay are
// skipped, and leased rows are pushed forward by lease so no other worker
// picks them up while delivery is in flight.
func (o *Outbox) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]Entry, error) {
	const query = `
		WITH due AS (
			SELECT id FROM notification_outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_outbox o
		SET next_attempt_at = now() + $2::bigint * interval '1 millisecond'
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.lead_id::text, o.idempotency_key, o.payload, o.status, o.attempts, o.next_attempt_at, o.last_error
	`
	rows, err := o.pool.Query(ctx, query, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("notify: claim due: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.LeadID, &e.IdempotencyKey, &e.Message, &e.Status, &e.Attempts, &e.NextAttemptAt, &e.LastError); err != nil {
			return nil, fmt.Errorf("notify: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate entries: %w", err)
	}
	return entries, nil
}

// DeleteDelivered removes delivered entries older than retention.
func (o *Outbox) DeleteDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM notification_outbox
		WHERE status = 'delivered' AND delivered_at < now() - $1::bigint * interval '1 millisecond'
	`, retention.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("notify: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
