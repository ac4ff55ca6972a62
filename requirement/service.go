package requirement

import (
	"context"
	"strings"

	"leadflow/apperr"

	"github.com/google/uuid"
)

var (
	ErrMissingBuyer     = apperr.New(apperr.KindUnauthorized, apperr.CodeUnauthorized, "missing buyer id")
	ErrProductRequired  = apperr.New(apperr.KindInvalidRequest, apperr.CodeValidation, "product_requirement is required")
	ErrInvalidBudget    = apperr.New(apperr.KindInvalidRequest, apperr.CodeValidation, "budget_min must not exceed budget_max")
	ErrNoUpdatableField = apperr.New(apperr.KindInvalidRequest, apperr.CodeValidation, "no valid fields provided for update")
	ErrNoneToDelete     = apperr.New(apperr.KindNotFound, apperr.CodeNotFound, "no requirements found to delete")
)

// Service implements buyer-side requirement CRUD. Status changes are owned by
// the lead coordinator and lifecycle operations, not by this service.
type Service struct {
	repo        Repository
	idGenerator func() string
}

type ListResult struct {
	Items    []Requirement
	Total    int
	Page     int
	PageSize int
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:        repo,
		idGenerator: uuid.NewString,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) Create(ctx context.Context, buyerID string, params CreateParams) (Requirement, error) {
	if buyerID == "" {
		return Requirement{}, ErrMissingBuyer
	}
	if strings.TrimSpace(params.ProductRequirement) == "" {
		return Requirement{}, ErrProductRequired
	}
	if params.BudgetMin != nil && params.BudgetMax != nil && params.BudgetMin.GreaterThan(*params.BudgetMax) {
		return Requirement{}, ErrInvalidBudget
	}

	details := Details{
		Description: optional(params.AdditionalDetails),
		Meta: Meta{
			Category:   params.Category,
			BudgetMin:  params.BudgetMin,
			BudgetMax:  params.BudgetMax,
			BuyerName:  params.BuyerName,
			BuyerPhone: params.BuyerPhone,
			BuyerEmail: params.BuyerEmail,
		},
	}

	return s.repo.Create(ctx, Requirement{
		ID:                 s.idGenerator(),
		BuyerID:            buyerID,
		ProductName:        params.ProductRequirement,
		Details:            details,
		Quantity:           optional(params.Quantity),
		LocationPreference: optional(params.DeliveryLocation),
		City:               optional(params.DeliveryLocation),
		Status:             StatusOpen,
	})
}

// List returns the public listing. An empty status filter means Open.
func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Status == "" {
		filters.Status = string(StatusOpen)
	}
	filters.BuyerID = ""
	return s.list(ctx, filters)
}

// ListMine returns every requirement the buyer owns regardless of status.
func (s *Service) ListMine(ctx context.Context, buyerID string, page, pageSize int) (ListResult, error) {
	if buyerID == "" {
		return ListResult{}, ErrMissingBuyer
	}
	return s.list(ctx, Filters{BuyerID: buyerID, Page: page, PageSize: pageSize})
}

func (s *Service) list(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total, Page: filters.Page, PageSize: filters.PageSize}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Requirement, error) {
	if !validID(id) {
		return Requirement{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Update(ctx context.Context, id, buyerID string, params UpdateParams) (Requirement, error) {
	if buyerID == "" {
		return Requirement{}, ErrMissingBuyer
	}
	if params.empty() {
		return Requirement{}, ErrNoUpdatableField
	}
	if params.ProductName != nil && strings.TrimSpace(*params.ProductName) == "" {
		return Requirement{}, ErrProductRequired
	}
	if !validID(id) {
		return Requirement{}, ErrNotFound
	}
	return s.repo.Update(ctx, id, buyerID, params)
}

func (s *Service) Delete(ctx context.Context, id, buyerID string) error {
	if buyerID == "" {
		return ErrMissingBuyer
	}
	if !validID(id) {
		return ErrNotFound
	}
	return s.repo.Delete(ctx, id, buyerID)
}

// DeleteAll removes every requirement of the buyer. Leads cascade.
func (s *Service) DeleteAll(ctx context.Context, buyerID string) (int64, error) {
	if buyerID == "" {
		return 0, ErrMissingBuyer
	}
	n, err := s.repo.DeleteAllByBuyer(ctx, buyerID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNoneToDelete
	}
	return n, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func optional(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
