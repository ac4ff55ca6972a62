package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants that must hold at any committed snapshot. A
// query that yields a row has found a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_lead_per_seller",
			SQL: `SELECT seller_id, requirement_id, COUNT(*) FROM leads
                  GROUP BY seller_id, requirement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_closed_requirement_has_live_lead",
			SQL: `SELECT l.id, l.status, r.id FROM leads l
                  JOIN requirements r ON r.id = l.requirement_id
                  WHERE r.status = 'Closed' AND l.status = 'Processing'`,
		},
		{
			Name: "O2b_closed_requirement_has_unclosed_lead",
			SQL: `SELECT l.id, l.status, r.id FROM leads l
                  JOIN requirements r ON r.id = l.requirement_id
                  WHERE r.status = 'Closed' AND l.status <> 'Closed'`,
		},
		{
			Name: "O3_closed_lead_on_live_requirement",
			SQL: `SELECT l.id, r.status FROM leads l
                  JOIN requirements r ON r.id = l.requirement_id
                  WHERE l.status = 'Closed' AND r.status <> 'Closed'`,
		},
		{
			Name: "O4_lead_buyer_matches_requirement",
			SQL: `SELECT l.id, l.buyer_id, r.buyer_id FROM leads l
                  JOIN requirements r ON r.id = l.requirement_id
                  WHERE l.buyer_id <> r.buyer_id`,
		},
		{
			Name: "O5_lead_has_notification",
			SQL: `SELECT l.id FROM leads l
                  LEFT JOIN notification_outbox o ON o.lead_id = l.id
                  WHERE o.id IS NULL`,
		},
		{
			Name: "O6_processing_requirement_has_live_lead",
			SQL: `SELECT r.id FROM requirements r
                  WHERE r.status = 'Processing'
                    AND NOT EXISTS (SELECT 1 FROM leads l
                                    WHERE l.requirement_id = r.id AND l.status = 'Processing')`,
		},
		{
			Name: "O7_outbox_delivery_consistent",
			SQL: `SELECT id, status, delivered_at FROM notification_outbox
                  WHERE (status = 'delivered') <> (delivered_at IS NOT NULL)`,
		},
	}
}

// Violation is the first offending row an oracle found.
type Violation struct {
	Oracle string
	Row    []any
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s: %v", v.Oracle, v.Row)
}

// Run executes every oracle in order and stops at the first violation. A nil
// violation with a nil error means all invariants hold.
func Run(ctx context.Context, pool *pgxpool.Pool) (*Violation, error) {
	for _, o := range All() {
		v, err := check(ctx, pool, o)
		if err != nil || v != nil {
			return v, err
		}
	}
	return nil, nil
}

func check(ctx context.Context, pool *pgxpool.Pool, o Oracle) (*Violation, error) {
	rows, err := pool.Query(ctx, o.SQL)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", o.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("oracle %s: read row: %w", o.Name, err)
	}
	return &Violation{Oracle: o.Name, Row: vals}, nil
}
