package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of a standing order. Supply is lender capital, demand is
// a borrower request.
type Side string

const (
	SideSupply Side = "supply"
	SideDemand Side = "demand"
)

func (s Side) Valid() bool { return s == SideSupply || s == SideDemand }

// OrderStatus only moves forward: active -> consumed | cancelled.
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderConsumed  OrderStatus = "consumed"
	OrderCancelled OrderStatus = "cancelled"
)

// ProposalStatus is the lifecycle of a matched proposal after the engine hands it off.
type ProposalStatus string

const (
	ProposalProposed  ProposalStatus = "proposed"
	ProposalAccepted  ProposalStatus = "accepted"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalWithdrawn ProposalStatus = "withdrawn"
	ProposalSettled   ProposalStatus = "settled"
)

// Ledger template identifiers and choices used by the matching engine.
const (
	TemplateSupplyOrder     = "Loan.Market:SupplyOrder"
	TemplateDemandOrder     = "Loan.Market:DemandOrder"
	TemplateMatchedProposal = "Loan.Market:MatchedLoanProposal"
	TemplateMatchingEngine  = "Loan.Market:MatchingEngine"

	ChoiceMatchConsume = "Order_MatchConsume"
	ChoiceCancel       = "Order_Cancel"
	ChoiceMatchOrders  = "MatchOrders"
)

// OrderTemplate returns the ledger template holding orders of the given side.
func OrderTemplate(side Side) string {
	if side == SideSupply {
		return TemplateSupplyOrder
	}
	return TemplateDemandOrder
}

// Order is one side of a standing intent to lend or borrow.
type Order struct {
	ContractID string      `json:"contract_id"`
	Side       Side        `json:"side"`
	Owner      string      `json:"owner"`
	Platform   string      `json:"platform_operator"`
	Status     OrderStatus `json:"status"`

	Amount decimal.Decimal `json:"amount"`
	// RateLimit is the minimum acceptable rate for supply and the maximum for demand.
	RateLimit decimal.Decimal `json:"rate_limit"`
	// DurationLimit is the maximum tenor in days.
	DurationLimit int `json:"duration_limit"`

	CreditProfileID string    `json:"credit_profile_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// OrderPayload is the ledger representation of an order contract.
type OrderPayload struct {
	Owner           string          `json:"owner"`
	Platform        string          `json:"platformOperator"`
	Side            Side            `json:"side"`
	Amount          decimal.Decimal `json:"amount"`
	RateLimit       decimal.Decimal `json:"rateLimit"`
	DurationLimit   int             `json:"durationLimit"`
	CreditProfileID string          `json:"creditProfileId,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ToOrder attaches a contract id to the payload. Anything still readable from
// the active set is Active.
func (p OrderPayload) ToOrder(contractID string) Order {
	return Order{
		ContractID:      contractID,
		Side:            p.Side,
		Owner:           p.Owner,
		Platform:        p.Platform,
		Status:          OrderActive,
		Amount:          p.Amount,
		RateLimit:       p.RateLimit,
		DurationLimit:   p.DurationLimit,
		CreditProfileID: p.CreditProfileID,
		CreatedAt:       p.CreatedAt,
	}
}

// MatchedProposal is the durable record of a pairing.
type MatchedProposal struct {
	ContractID    string          `json:"contract_id"`
	Borrower      string          `json:"borrower"`
	Lender        string          `json:"lender"`
	Platform      string          `json:"platform_operator"`
	Principal     decimal.Decimal `json:"principal"`
	ClearingRate  decimal.Decimal `json:"clearing_rate"`
	DurationDays  int             `json:"duration_days"`
	DemandOrderID string          `json:"demand_order_id"`
	SupplyOrderID string          `json:"supply_order_id"`
	MatchedAt     time.Time       `json:"matched_at"`
	Status        ProposalStatus  `json:"status"`
}

// ProposalPayload is the ledger representation of a matched proposal.
type ProposalPayload struct {
	Borrower        string          `json:"borrower"`
	Lender          string          `json:"lender"`
	Platform        string          `json:"platformOperator"`
	Principal       decimal.Decimal `json:"principal"`
	ClearingRate    decimal.Decimal `json:"interestRate"`
	DurationDays    int             `json:"durationDays"`
	DemandOrderID   string          `json:"demandOrderId"`
	SupplyOrderID   string          `json:"supplyOrderId"`
	CreditProfileID string          `json:"creditProfileId,omitempty"`
	MatchedAt       time.Time       `json:"matchedAt"`
	Status          ProposalStatus  `json:"status"`
}

func (p ProposalPayload) ToProposal(contractID string) MatchedProposal {
	status := p.Status
	if status == "" {
		status = ProposalProposed
	}
	return MatchedProposal{
		ContractID:    contractID,
		Borrower:      p.Borrower,
		Lender:        p.Lender,
		Platform:      p.Platform,
		Principal:     p.Principal,
		ClearingRate:  p.ClearingRate,
		DurationDays:  p.DurationDays,
		DemandOrderID: p.DemandOrderID,
		SupplyOrderID: p.SupplyOrderID,
		MatchedAt:     p.MatchedAt,
		Status:        status,
	}
}

// MatchingEnginePayload is the platform-owned authority entity that settles
// a pair in one exercise.
type MatchingEnginePayload struct {
	Platform string `json:"platformOperator"`
}

// MatchOrdersArgs are the arguments of the authority's MatchOrders choice.
type MatchOrdersArgs struct {
	SupplyOrderID string          `json:"supplyOrderCid"`
	DemandOrderID string          `json:"demandOrderCid"`
	Principal     decimal.Decimal `json:"principal"`
	ClearingRate  decimal.Decimal `json:"clearingRate"`
	DurationDays  int             `json:"durationDays"`
}

// Tier is one aggregated bucket of the public order book. It never carries
// party identifiers.
type Tier struct {
	Rate        decimal.Decimal `json:"interest_rate"`
	Duration    int             `json:"duration"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	OrderCount  int             `json:"order_count"`
}

// OrderBook is the privacy-safe aggregated view. Asks are supply tiers sorted
// ascending by rate, bids are demand tiers sorted descending by rate.
type OrderBook struct {
	Asks   []Tier           `json:"asks"`
	Bids   []Tier           `json:"bids"`
	Spread *decimal.Decimal `json:"spread,omitempty"`
}

// MatchEvent is published after a pair has been committed to the ledger.
type MatchEvent struct {
	ProposalID    string          `json:"proposal_id,omitempty"`
	DemandOrderID string          `json:"demand_order_id"`
	SupplyOrderID string          `json:"supply_order_id"`
	Borrower      string          `json:"borrower"`
	Lender        string          `json:"lender"`
	Principal     decimal.Decimal `json:"principal"`
	ClearingRate  decimal.Decimal `json:"clearing_rate"`
	DurationDays  int             `json:"duration_days"`
	Mode          string          `json:"mode"`
	Settlement    string          `json:"settlement"`
	MatchedAt     time.Time       `json:"matched_at"`
}
