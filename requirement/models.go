package requirement

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen       Status = "Open"
	StatusProcessing Status = "Processing"
	StatusClosed     Status = "Closed"
)

// Requirement is a buyer's sourcing request.
type Requirement struct {
	ID                 string
	BuyerID            string
	ProductName        string
	Details            Details
	Quantity           *string
	LocationPreference *string
	City               *string
	Status             Status
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Details is the free-form payload stored as jsonb.
type Details struct {
	Description *string `json:"description"`
	Meta        Meta    `json:"meta"`
}

type Meta struct {
	Category   string           `json:"category,omitempty"`
	BudgetMin  *decimal.Decimal `json:"budget_min,omitempty"`
	BudgetMax  *decimal.Decimal `json:"budget_max,omitempty"`
	BuyerName  string           `json:"buyer_name,omitempty"`
	BuyerPhone string           `json:"buyer_phone,omitempty"`
	BuyerEmail string           `json:"buyer_email,omitempty"`
}

type Filters struct {
	BuyerID  string
	Status   string
	Page     int
	PageSize int
}

type CreateParams struct {
	ProductRequirement string
	Category           string
	Quantity           string
	BudgetMin          *decimal.Decimal
	BudgetMax          *decimal.Decimal
	DeliveryLocation   string
	BuyerName          string
	BuyerPhone         string
	BuyerEmail         string
	AdditionalDetails  string
}

// UpdateParams carries the buyer-editable fields; nil means unchanged.
type UpdateParams struct {
	ProductName        *string
	Details            *Details
	Quantity           *string
	LocationPreference *string
	City               *string
}

func (p UpdateParams) empty() bool {
	return p.ProductName == nil && p.Details == nil && p.Quantity == nil &&
		p.LocationPreference == nil && p.City == nil
}
