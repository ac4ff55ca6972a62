package lead

import (
	"context"

	"leadflow/requirement"
)

// Service serves the seller dashboards.
type Service struct {
	requirements RequirementStore
	leads        Ledger
}

func NewService(requirements RequirementStore, leads Ledger) *Service {
	return &Service{requirements: requirements, leads: leads}
}

// Stats counts Open requirements across the marketplace and the seller's own
// Processing leads.
func (s *Service) Stats(ctx context.Context, sellerID string) (Stats, error) {
	if sellerID == "" {
		return Stats{}, ErrMissingSeller
	}
	open, err := s.requirements.CountByStatus(ctx, requirement.StatusOpen)
	if err != nil {
		return Stats{}, err
	}
	accepted, err := s.leads.CountProcessingBySeller(ctx, sellerID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Open: open, Accepted: accepted, Total: open + accepted}, nil
}

func (s *Service) Contacted(ctx context.Context, sellerID string) ([]ContactedRequirement, error) {
	if sellerID == "" {
		return nil, ErrMissingSeller
	}
	return s.leads.ListContactedBySeller(ctx, sellerID)
}
