package lead

import (
	"context"
	"errors"
	"fmt"

	"leadflow/requirement"
	"leadflow/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Lifecycle handles buyer-initiated close and seller-initiated cancel. Both
// lock the requirement row before any lead row so they cannot deadlock with
// each other or with Claim.
type Lifecycle struct {
	pool         TxBeginner
	requirements RequirementStore
	leads        Ledger
	logger       *zap.Logger
}

func NewLifecycle(pool TxBeginner, requirements RequirementStore, leads Ledger) *Lifecycle {
	return &Lifecycle{
		pool:         pool,
		requirements: requirements,
		leads:        leads,
		logger:       zap.NewNop(),
	}
}

func (l *Lifecycle) WithLogger(logger *zap.Logger) *Lifecycle {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Close ends the deal window: the requirement and every lead against it,
// whatever its seller or status, become Closed. Missing, foreign, and
// non-Processing requirements all report ErrNotFound.
func (l *Lifecycle) Close(ctx context.Context, requirementID, buyerID string) (CloseResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lead.Lifecycle.Close")
	defer span.End()
	span.SetAttributes(attribute.String("requirement.id", requirementID))

	if _, err := uuid.Parse(requirementID); err != nil {
		return CloseResult{}, ErrNotFound
	}
	if buyerID == "" {
		return CloseResult{}, ErrNotFound
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return CloseResult{}, fmt.Errorf("lead: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := l.requirements.GetForUpdate(ctx, tx, requirementID)
	if err != nil {
		if errors.Is(err, requirement.ErrNotFound) {
			return CloseResult{}, ErrNotFound
		}
		return CloseResult{}, err
	}
	if req.Status != requirement.StatusProcessing || req.BuyerID != buyerID {
		return CloseResult{}, ErrNotFound
	}

	if err := l.requirements.UpdateStatus(ctx, tx, req.ID, requirement.StatusClosed); err != nil {
		return CloseResult{}, err
	}
	closed, err := l.leads.CloseAllForRequirement(ctx, tx, req.ID)
	if err != nil {
		return CloseResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CloseResult{}, fmt.Errorf("lead: commit tx: %w", err)
	}

	l.logger.Info("requirement closed",
		zap.String("requirement_id", req.ID),
		zap.String("buyer_id", buyerID),
		zap.Int64("closed_leads", closed),
	)
	return CloseResult{RequirementID: req.ID, ClosedLeads: closed}, nil
}

// Cancel withdraws the seller's Processing lead and reopens its requirement.
// The requirement goes back to Open even when other sellers still hold
// Processing leads; OtherProcessingLeads reports how many.
func (l *Lifecycle) Cancel(ctx context.Context, leadID, sellerID string) (CancelResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lead.Lifecycle.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("lead.id", leadID))

	if _, err := uuid.Parse(leadID); err != nil {
		return CancelResult{}, ErrNotFound
	}
	if sellerID == "" {
		return CancelResult{}, ErrNotFound
	}

	// Unlocked read to learn the parent requirement so it can be locked first.
	current, err := l.leads.Get(ctx, leadID)
	if err != nil {
		return CancelResult{}, err
	}
	if current.SellerID != sellerID || current.Status != StatusProcessing {
		return CancelResult{}, ErrNotFound
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return CancelResult{}, fmt.Errorf("lead: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := l.requirements.GetForUpdate(ctx, tx, current.RequirementID); err != nil {
		if errors.Is(err, requirement.ErrNotFound) {
			return CancelResult{}, ErrNotFound
		}
		return CancelResult{}, err
	}
	locked, err := l.leads.GetForUpdate(ctx, tx, leadID, sellerID)
	if err != nil {
		return CancelResult{}, err
	}

	if err := l.leads.UpdateStatus(ctx, tx, locked.ID, StatusCancelled); err != nil {
		return CancelResult{}, err
	}
	if err := l.requirements.UpdateStatus(ctx, tx, locked.RequirementID, requirement.StatusOpen); err != nil {
		return CancelResult{}, err
	}
	others, err := l.leads.CountProcessingForRequirement(ctx, tx, locked.RequirementID)
	if err != nil {
		return CancelResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CancelResult{}, fmt.Errorf("lead: commit tx: %w", err)
	}

	log := l.logger.With(
		zap.String("lead_id", locked.ID),
		zap.String("requirement_id", locked.RequirementID),
		zap.String("seller_id", sellerID),
	)
	span.SetAttributes(attribute.Int("lead.other_processing", others))
	if others > 0 {
		log.Warn("requirement reopened while other leads are still processing", zap.Int("processing_leads", others))
	} else {
		log.Info("lead cancelled")
	}

	return CancelResult{
		LeadID:               locked.ID,
		RequirementID:        locked.RequirementID,
		OtherProcessingLeads: others,
	}, nil
}
