package requirement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leadflow/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = apperr.New(apperr.KindNotFound, apperr.CodeRequirementNotFound, "requirement not found")
	ErrNotOwned = apperr.New(apperr.KindForbidden, apperr.CodeNotOwner, "requirement belongs to another buyer")
)

type Repository interface {
	Create(ctx context.Context, req Requirement) (Requirement, error)
	Get(ctx context.Context, id string) (Requirement, error)
	List(ctx context.Context, filters Filters) ([]Requirement, int, error)
	Update(ctx context.Context, id, buyerID string, params UpdateParams) (Requirement, error)
	Delete(ctx context.Context, id, buyerID string) error
	DeleteAllByBuyer(ctx context.Context, buyerID string) (int64, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Requirement, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id::text, buyer_id::text, product_name, details, quantity, location_preference, city, status, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, req Requirement) (Requirement, error) {
	query := `
        INSERT INTO requirements (id, buyer_id, product_name, details, quantity, location_preference, city, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + columns

	row := r.pool.QueryRow(ctx, query,
		req.ID,
		req.BuyerID,
		req.ProductName,
		req.Details,
		req.Quantity,
		req.LocationPreference,
		req.City,
		req.Status,
	)
	created, err := scanRequirement(row)
	if err != nil {
		return Requirement{}, fmt.Errorf("requirement: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Requirement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+columns+` FROM requirements WHERE id = $1`, id)
	req, err := scanRequirement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, ErrNotFound
		}
		return Requirement{}, fmt.Errorf("requirement: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Requirement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.BuyerID != "" {
		where = append(where, fmt.Sprintf("buyer_id=$%d", len(args)+1))
		args = append(args, filters.BuyerID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("LOWER(status)=LOWER($%d)", len(args)+1))
		args = append(args, filters.Status)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM requirements%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`, columns, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("requirement: query list: %w", err)
	}
	defer rows.Close()

	list := []Requirement{}
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("requirement: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("requirement: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM requirements"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("requirement: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) Update(ctx context.Context, id, buyerID string, params UpdateParams) (Requirement, error) {
	sets := []string{}
	args := []any{id, buyerID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if params.ProductName != nil {
		add("product_name", *params.ProductName)
	}
	if params.Details != nil {
		add("details", *params.Details)
	}
	if params.Quantity != nil {
		add("quantity", *params.Quantity)
	}
	if params.LocationPreference != nil {
		add("location_preference", *params.LocationPreference)
	}
	if params.City != nil {
		add("city", *params.City)
	}
	if len(sets) == 0 {
		return Requirement{}, fmt.Errorf("requirement: update without fields")
	}

	query := fmt.Sprintf(`UPDATE requirements SET %s WHERE id=$1 AND buyer_id=$2 RETURNING %s`, strings.Join(sets, ", "), columns)
	req, err := scanRequirement(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, r.missingOrNotOwned(ctx, id)
		}
		return Requirement{}, fmt.Errorf("requirement: update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Delete(ctx context.Context, id, buyerID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM requirements WHERE id=$1 AND buyer_id=$2`, id, buyerID)
	if err != nil {
		return fmt.Errorf("requirement: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrNotOwned(ctx, id)
	}
	return nil
}

func (r *PGRepository) DeleteAllByBuyer(ctx context.Context, buyerID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM requirements WHERE buyer_id=$1`, buyerID)
	if err != nil {
		return 0, fmt.Errorf("requirement: delete all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requirements WHERE status=$1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("requirement: count by status: %w", err)
	}
	return n, nil
}

// GetForUpdate reads the requirement holding a row lock until tx ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Requirement, error) {
	row := tx.QueryRow(ctx, `SELECT `+columns+` FROM requirements WHERE id = $1 FOR UPDATE`, id)
	req, err := scanRequirement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, ErrNotFound
		}
		return Requirement{}, fmt.Errorf("requirement: lock: %w", err)
	}
	return req, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE requirements SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("requirement: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) missingOrNotOwned(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requirements WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("requirement: verify owner: %w", err)
	}
	if exists {
		return ErrNotOwned
	}
	return ErrNotFound
}

func scanRequirement(row pgx.Row) (Requirement, error) {
	var req Requirement
	err := row.Scan(
		&req.ID,
		&req.BuyerID,
		&req.ProductName,
		&req.Details,
		&req.Quantity,
		&req.LocationPreference,
		&req.City,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	return req, err
}
