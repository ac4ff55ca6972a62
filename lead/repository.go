package lead

import (
	"context"
	"errors"
	"fmt"

	"leadflow/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAlreadyContacted = apperr.New(apperr.KindConflict, apperr.CodeAlreadyContacted, "already contacted")
	ErrNotFound         = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "not found")
)

// Ledger is the lead table. Mutations take the caller's transaction.
type Ledger interface {
	Insert(ctx context.Context, tx pgx.Tx, l Lead) error
	Get(ctx context.Context, id string) (Lead, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id, sellerID string) (Lead, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	CloseAllForRequirement(ctx context.Context, tx pgx.Tx, requirementID string) (int64, error)
	CountProcessingForRequirement(ctx context.Context, tx pgx.Tx, requirementID string) (int, error)
	CountProcessingBySeller(ctx context.Context, sellerID string) (int, error)
	ListContactedBySeller(ctx context.Context, sellerID string) ([]ContactedRequirement, error)
}

type PGLedger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

const leadColumns = `id::text, seller_id::text, requirement_id::text, buyer_id::text, message, status, created_at, updated_at`

// Insert relies on leads_seller_requirement_key to reject a second claim by
// the same seller.
func (r *PGLedger) Insert(ctx context.Context, tx pgx.Tx, l Lead) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO leads (id, seller_id, requirement_id, buyer_id, message, status)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, l.ID, l.SellerID, l.RequirementID, l.BuyerID, l.Message, l.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.Wrap(ErrAlreadyContacted, err)
		}
		return fmt.Errorf("lead: insert: %w", err)
	}
	return nil
}

func (r *PGLedger) Get(ctx context.Context, id string) (Lead, error) {
	l, err := scanLead(r.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, fmt.Errorf("lead: get: %w", err)
	}
	return l, nil
}

// GetForUpdate locks the seller's Processing lead. Any other state reads as
// not found.
func (r *PGLedger) GetForUpdate(ctx context.Context, tx pgx.Tx, id, sellerID string) (Lead, error) {
	row := tx.QueryRow(ctx, `
        SELECT `+leadColumns+` FROM leads
        WHERE id = $1 AND seller_id = $2 AND status = 'Processing'
        FOR UPDATE
    `, id, sellerID)
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, fmt.Errorf("lead: lock: %w", err)
	}
	return l, nil
}

func (r *PGLedger) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE leads SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("lead: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseAllForRequirement moves every lead of the requirement to Closed,
// cancelled ones included.
func (r *PGLedger) CloseAllForRequirement(ctx context.Context, tx pgx.Tx, requirementID string) (int64, error) {
	tag, err := tx.Exec(ctx, `
        UPDATE leads SET status = 'Closed'
        WHERE requirement_id = $1
    `, requirementID)
	if err != nil {
		return 0, fmt.Errorf("lead: close for requirement: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGLedger) CountProcessingForRequirement(ctx context.Context, tx pgx.Tx, requirementID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
        SELECT COUNT(*) FROM leads WHERE requirement_id = $1 AND status = 'Processing'
    `, requirementID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lead: count processing for requirement: %w", err)
	}
	return n, nil
}

func (r *PGLedger) CountProcessingBySeller(ctx context.Context, sellerID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
        SELECT COUNT(*) FROM leads WHERE seller_id = $1 AND status = 'Processing'
    `, sellerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lead: count processing by seller: %w", err)
	}
	return n, nil
}

func (r *PGLedger) ListContactedBySeller(ctx context.Context, sellerID string) ([]ContactedRequirement, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT r.id::text, r.buyer_id::text, r.product_name, r.details, r.quantity,
               r.location_preference, r.city, r.status, r.created_at, r.updated_at,
               l.id::text, l.status, l.message, l.created_at
        FROM leads l
        JOIN requirements r ON r.id = l.requirement_id
        WHERE l.seller_id = $1
        ORDER BY l.created_at DESC, l.id
    `, sellerID)
	if err != nil {
		return nil, fmt.Errorf("lead: query contacted: %w", err)
	}
	defer rows.Close()

	out := []ContactedRequirement{}
	for rows.Next() {
		var c ContactedRequirement
		req := &c.Requirement
		if err := rows.Scan(
			&req.ID, &req.BuyerID, &req.ProductName, &req.Details, &req.Quantity,
			&req.LocationPreference, &req.City, &req.Status, &req.CreatedAt, &req.UpdatedAt,
			&c.LeadID, &c.LeadStatus, &c.LeadMessage, &c.LeadCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("lead: scan contacted: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lead: iterate contacted: %w", err)
	}
	return out, nil
}

func scanLead(row pgx.Row) (Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.SellerID, &l.RequirementID, &l.BuyerID, &l.Message, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}
