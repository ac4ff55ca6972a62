package lead

import (
	"context"
	"fmt"
	"strings"
	"time"

	"leadflow/apperr"
	"leadflow/identity"
	"leadflow/notify"
	"leadflow/requirement"
	"leadflow/telemetry"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrMissingSeller      = apperr.InvalidRequest("seller id is required")
	ErrMissingRequirement = apperr.InvalidRequest("requirement_id is required")
	ErrMissingMessage     = apperr.InvalidRequest("message is required")
	ErrMalformedID        = apperr.InvalidRequest("ids must be UUIDs")
	ErrRequirementClosed  = apperr.New(apperr.KindConflict, apperr.CodeRequirementClosed, "requirement already closed")
	ErrNotSeller          = apperr.New(apperr.KindForbidden, apperr.CodeNotSeller, "only sellers can contact buyers")
)

const outboxWriteTimeout = 5 * time.Second

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequirementStore is the part of the requirement repository the lead flows
// depend on.
type RequirementStore interface {
	Get(ctx context.Context, id string) (requirement.Requirement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (requirement.Requirement, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status requirement.Status) error
	CountByStatus(ctx context.Context, status requirement.Status) (int, error)
}

// Outbox persists notification intents inside the claim transaction and
// records the outcome of delivery attempts.
type Outbox interface {
	Enqueue(ctx context.Context, tx pgx.Tx, leadID string, msg notify.Message, notBefore time.Duration) error
	MarkDelivered(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, cause error) (bool, error)
}

// Coordinator runs the claim flow: checks outside the transaction, one
// transaction for the reservation, then delivery of the first-contact
// message after commit.
type Coordinator struct {
	pool         TxBeginner
	requirements RequirementStore
	leads        Ledger
	outbox       Outbox
	identity     identity.Verifier
	dispatcher   notify.Dispatcher
	logger       *zap.Logger

	idGenerator     func() string
	dispatchTimeout time.Duration
	inlineGrace     time.Duration
}

func NewCoordinator(pool TxBeginner, requirements RequirementStore, leads Ledger, outbox Outbox, verifier identity.Verifier, dispatcher notify.Dispatcher) *Coordinator {
	return &Coordinator{
		pool:            pool,
		requirements:    requirements,
		leads:           leads,
		outbox:          outbox,
		identity:        verifier,
		dispatcher:      dispatcher,
		logger:          zap.NewNop(),
		idGenerator:     uuid.NewString,
		dispatchTimeout: 10 * time.Second,
		inlineGrace:     time.Minute,
	}
}

func (c *Coordinator) WithLogger(l *zap.Logger) *Coordinator {
	if l != nil {
		c.logger = l
	}
	return c
}

func (c *Coordinator) WithIDGenerator(gen func() string) *Coordinator {
	c.idGenerator = gen
	return c
}

// WithDispatchTimeout bounds the inline delivery attempt made after commit.
func (c *Coordinator) WithDispatchTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.dispatchTimeout = d
	}
	return c
}

// WithInlineGrace delays relay pickup of a fresh outbox row. It must exceed
// the dispatch timeout or the relay may race the inline attempt.
func (c *Coordinator) WithInlineGrace(d time.Duration) *Coordinator {
	if d > 0 {
		c.inlineGrace = d
	}
	return c
}

func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lead.Coordinator.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("seller.id", req.SellerID),
		attribute.String("requirement.id", req.RequirementID),
	)

	if err := validateClaim(req); err != nil {
		return ClaimResult{}, err
	}

	// Fail fast on the common rejections before calling the user service.
	current, err := c.requirements.Get(ctx, req.RequirementID)
	if err != nil {
		return ClaimResult{}, err
	}
	if current.Status == requirement.StatusClosed {
		return ClaimResult{}, ErrRequirementClosed
	}

	seller, err := c.verifySeller(ctx, req.SellerID)
	if err != nil {
		return ClaimResult{}, err
	}

	l, msg, err := c.reserve(ctx, req, seller)
	if err != nil {
		return ClaimResult{}, err
	}

	pending := !c.deliverInline(ctx, msg)
	span.SetAttributes(
		attribute.String("lead.id", l.ID),
		attribute.Bool("notification.pending", pending),
	)

	c.logger.Info("lead claimed",
		zap.String("lead_id", l.ID),
		zap.String("requirement_id", l.RequirementID),
		zap.String("seller_id", l.SellerID),
		zap.Bool("notification_pending", pending),
	)

	return ClaimResult{
		LeadID:              l.ID,
		RequirementID:       l.RequirementID,
		NotificationPending: pending,
	}, nil
}

func validateClaim(req ClaimRequest) error {
	if strings.TrimSpace(req.SellerID) == "" {
		return ErrMissingSeller
	}
	if strings.TrimSpace(req.RequirementID) == "" {
		return ErrMissingRequirement
	}
	if strings.TrimSpace(req.Message) == "" {
		return ErrMissingMessage
	}
	if _, err := uuid.Parse(req.SellerID); err != nil {
		return ErrMalformedID
	}
	if _, err := uuid.Parse(req.RequirementID); err != nil {
		return ErrMalformedID
	}
	return nil
}

func (c *Coordinator) verifySeller(ctx context.Context, sellerID string) (identity.User, error) {
	user, err := c.identity.Lookup(ctx, sellerID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return identity.User{}, apperr.Wrap(identity.ErrUnavailable, err)
		}
		return identity.User{}, err
	}
	if user.Role != identity.RoleSeller {
		return identity.User{}, ErrNotSeller
	}
	return user, nil
}

// reserve locks the requirement, re-checks it, and writes the lead and its
// outbox row in one transaction.
func (c *Coordinator) reserve(ctx context.Context, req ClaimRequest, seller identity.User) (Lead, notify.Message, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Lead{}, notify.Message{}, fmt.Errorf("lead: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := c.requirements.GetForUpdate(ctx, tx, req.RequirementID)
	if err != nil {
		return Lead{}, notify.Message{}, err
	}
	switch locked.Status {
	case requirement.StatusClosed:
		return Lead{}, notify.Message{}, ErrRequirementClosed
	case requirement.StatusOpen:
		if err := c.requirements.UpdateStatus(ctx, tx, locked.ID, requirement.StatusProcessing); err != nil {
			return Lead{}, notify.Message{}, err
		}
	}

	l := Lead{
		ID:            c.idGenerator(),
		SellerID:      req.SellerID,
		RequirementID: locked.ID,
		BuyerID:       locked.BuyerID,
		Message:       req.Message,
		Status:        StatusProcessing,
	}
	if err := c.leads.Insert(ctx, tx, l); err != nil {
		return Lead{}, notify.Message{}, err
	}

	msg := notify.Message{
		Sender:          l.SellerID,
		Recipient:       l.BuyerID,
		Message:         l.Message,
		RequirementID:   l.RequirementID,
		RequirementName: locked.ProductName,
		SellerName:      seller.Name,
		IdempotencyKey:  l.ID,
	}
	if err := c.outbox.Enqueue(ctx, tx, l.ID, msg, c.inlineGrace); err != nil {
		return Lead{}, notify.Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Lead{}, notify.Message{}, fmt.Errorf("lead: commit tx: %w", err)
	}
	return l, msg, nil
}

// deliverInline makes one delivery attempt and reports whether it succeeded.
// The lead is already committed, so a caller that went away must not abort it.
func (c *Coordinator) deliverInline(ctx context.Context, msg notify.Message) bool {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.With(zap.String("lead_id", msg.IdempotencyKey))

	dispatchCtx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	receipt, err := c.dispatcher.Dispatch(dispatchCtx, msg)
	cancel()

	markCtx, cancel := context.WithTimeout(ctx, outboxWriteTimeout)
	defer cancel()

	if err == nil {
		if markErr := c.outbox.MarkDelivered(markCtx, msg.IdempotencyKey); markErr != nil {
			log.Error("failed to mark notification delivered", zap.Error(markErr))
		}
		log.Debug("first-contact message delivered", zap.String("message_id", receipt.MessageID))
		return true
	}

	log.Warn("first-contact message not delivered, left to relay", zap.Error(err))
	if _, markErr := c.outbox.MarkFailed(markCtx, msg.IdempotencyKey, err); markErr != nil {
		log.Error("failed to record notification failure", zap.Error(markErr))
	}
	return false
}
