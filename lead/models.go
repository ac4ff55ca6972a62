package lead

import (
	"time"

	"leadflow/requirement"
)

type Status string

const (
	StatusProcessing Status = "Processing"
	StatusClosed     Status = "Closed"
	StatusCancelled  Status = "Cancelled"
)

// Lead is one seller's claim against a requirement. BuyerID is copied from
// the requirement when the lead is created.
type Lead struct {
	ID            string
	SellerID      string
	RequirementID string
	BuyerID       string
	Message       string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ClaimRequest struct {
	SellerID      string
	RequirementID string
	Message       string
}

// ClaimResult reports the committed reservation. NotificationPending is true
// when the first-contact message was not confirmed inline and has been left
// to the relay.
type ClaimResult struct {
	LeadID              string
	RequirementID       string
	NotificationPending bool
}

type CloseResult struct {
	RequirementID string
	ClosedLeads   int64
}

// CancelResult carries OtherProcessingLeads so callers can see that a
// requirement was reopened while other sellers still hold live leads.
type CancelResult struct {
	LeadID               string
	RequirementID        string
	OtherProcessingLeads int
}

type Stats struct {
	Open     int
	Accepted int
	Total    int
}

// ContactedRequirement is a requirement as seen by a seller who claimed it.
type ContactedRequirement struct {
	Requirement   requirement.Requirement
	LeadID        string
	LeadStatus    Status
	LeadMessage   string
	LeadCreatedAt time.Time
}
