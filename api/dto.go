/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount is a decimal.Decimal, which marshals as a JSON string
  ("1100000") and unmarshals from either a string or a number. Amounts
  never pass through float64.

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
	"github.com/warp/loyalty-ledger/settlement"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type TendersRequest struct {
	Cash     decimal.Decimal `json:"cash"`
	Card     decimal.Decimal `json:"card"`
	Transfer decimal.Decimal `json:"transfer"`
	Credit   decimal.Decimal `json:"credit"`
}

func (t TendersRequest) toTenders() settlement.Tenders {
	return settlement.Tenders{Cash: t.Cash, Card: t.Card, Transfer: t.Transfer, Credit: t.Credit}
}

type PurchaseItemRequest struct {
	RefID     string           `json:"ref_id"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	StartDate *time.Time       `json:"start_date,omitempty"`
	EndDate   *time.Time       `json:"end_date,omitempty"`
}

type PurchaseRequest struct {
	AccountID string                `json:"account_id"`
	Items     []PurchaseItemRequest `json:"items"`
	Tenders   TendersRequest        `json:"tenders"`
}

func (p PurchaseRequest) toDomain() checkout.PurchaseRequest {
	items := make([]checkout.PurchaseItem, len(p.Items))
	for i, it := range p.Items {
		items[i] = checkout.PurchaseItem{
			RefID:    it.RefID,
			Price:    it.Price,
			Schedule: fulfillment.Schedule{Start: it.StartDate, End: it.EndDate},
		}
	}
	return checkout.PurchaseRequest{
		AccountID: credit.AccountID(p.AccountID),
		Items:     items,
		Tenders:   p.Tenders.toTenders(),
	}
}

type SettleRequest struct {
	Tenders TendersRequest `json:"tenders"`
}

type RedeemRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	OrderID string          `json:"order_id,omitempty"`
}

// AdjustmentRequest is a manual correction. Positive amounts grant credit
// (optionally expiring after ExpiryDays); negative amounts draw down the
// grant named by OriginalEntryID.
type AdjustmentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	OriginalEntryID string          `json:"original_entry_id,omitempty"`
	ExpiryDays      int             `json:"expiry_days,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

type ExtendRequest struct {
	Days int `json:"days"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type EntryDTO struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Kind            string          `json:"kind"`
	EarnedDate      time.Time       `json:"earned_date"`
	ExpiryDate      *time.Time      `json:"expiry_date,omitempty"`
	OriginalEntryID string          `json:"original_entry_id,omitempty"`
	RelatedOrderID  string          `json:"related_order_id,omitempty"`
	Source          string          `json:"source,omitempty"`
	IsExpired       bool            `json:"is_expired"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toEntryDTO(e credit.Entry) EntryDTO {
	return EntryDTO{
		ID:              string(e.ID),
		AccountID:       string(e.AccountID),
		Amount:          e.Amount,
		Kind:            string(e.Kind),
		EarnedDate:      e.EarnedDate,
		ExpiryDate:      e.ExpiryDate,
		OriginalEntryID: string(e.OriginalEntryID),
		RelatedOrderID:  e.RelatedOrderID,
		Source:          e.Source,
		IsExpired:       e.IsExpired,
		CreatedAt:       e.CreatedAt,
	}
}

func toEntryDTOs(es []credit.Entry) []EntryDTO {
	out := make([]EntryDTO, len(es))
	for i, e := range es {
		out[i] = toEntryDTO(e)
	}
	return out
}

type BalanceDTO struct {
	AccountID        string          `json:"account_id"`
	TotalBalance     decimal.Decimal `json:"total_balance"`
	Earned           decimal.Decimal `json:"earned"`
	Used             decimal.Decimal `json:"used"`
	Expired          decimal.Decimal `json:"expired"`
	Adjusted         decimal.Decimal `json:"adjusted"`
	ExpiringIn7Days  decimal.Decimal `json:"expiring_in_7_days"`
	ExpiringIn30Days decimal.Decimal `json:"expiring_in_30_days"`
	LastUpdated      time.Time       `json:"last_updated"`
}

func toBalanceDTO(s credit.BalanceSnapshot) BalanceDTO {
	return BalanceDTO{
		AccountID:        string(s.AccountID),
		TotalBalance:     s.TotalBalance,
		Earned:           s.Earned,
		Used:             s.Used,
		Expired:          s.Expired,
		Adjusted:         s.Adjusted,
		ExpiringIn7Days:  s.ExpiringIn7Days,
		ExpiringIn30Days: s.ExpiringIn30Days,
		LastUpdated:      s.LastUpdated,
	}
}

type OrderLineDTO struct {
	RefID     string          `json:"ref_id"`
	Name      string          `json:"name,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Paid      decimal.Decimal `json:"paid"`
	Unpaid    decimal.Decimal `json:"unpaid"`
}

type OrderDTO struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	AccountName  string          `json:"account_name,omitempty"`
	Lines        []OrderLineDTO  `json:"lines"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	UnpaidAmount decimal.Decimal `json:"unpaid_amount"`
	CreditUsed   decimal.Decimal `json:"credit_used"`
	CreditEarned decimal.Decimal `json:"credit_earned"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toOrderDTO(o checkout.Order) OrderDTO {
	lines := make([]OrderLineDTO, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = OrderLineDTO{RefID: l.RefID, Name: l.Name, UnitPrice: l.UnitPrice, Paid: l.Paid, Unpaid: l.Unpaid}
	}
	return OrderDTO{
		ID:           o.ID,
		AccountID:    string(o.AccountID),
		AccountName:  o.AccountName,
		Lines:        lines,
		TotalAmount:  o.TotalAmount,
		PaidAmount:   o.PaidAmount,
		UnpaidAmount: o.UnpaidAmount,
		CreditUsed:   o.CreditUsed,
		CreditEarned: o.CreditEarned,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

type PaymentDTO struct {
	ID         string          `json:"id"`
	TenderType string          `json:"tender_type"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toPaymentDTOs(ps []checkout.PaymentRecord) []PaymentDTO {
	out := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		out[i] = PaymentDTO{
			ID:         p.ID,
			TenderType: string(p.TenderType),
			Amount:     p.Amount,
			Status:     string(p.Status),
			CreatedAt:  p.CreatedAt,
		}
	}
	return out
}

type FulfillmentDTO struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	AccountID         string          `json:"account_id"`
	RefID             string          `json:"ref_id"`
	Name              string          `json:"name,omitempty"`
	Billing           string          `json:"billing"`
	PaidAmount        decimal.Decimal `json:"paid_amount"`
	UnpaidAmount      decimal.Decimal `json:"unpaid_amount"`
	Status            string          `json:"status"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	SessionCount      int             `json:"session_count,omitempty"`
	CompletedSessions int             `json:"completed_sessions,omitempty"`
	HoldStartedAt     *time.Time      `json:"hold_started_at,omitempty"`
}

func toFulfillmentDTO(r fulfillment.Record) FulfillmentDTO {
	return FulfillmentDTO{
		ID:                r.ID,
		OrderID:           r.OrderID,
		AccountID:         string(r.AccountID),
		RefID:             r.RefID,
		Name:              r.Name,
		Billing:           string(r.Billing),
		PaidAmount:        r.PaidAmount,
		UnpaidAmount:      r.UnpaidAmount,
		Status:            string(r.Status),
		StartDate:         r.StartDate,
		EndDate:           r.EndDate,
		SessionCount:      r.SessionCount,
		CompletedSessions: r.CompletedSessions,
		HoldStartedAt:     r.HoldStartedAt,
	}
}

func toFulfillmentDTOs(rs []fulfillment.Record) []FulfillmentDTO {
	out := make([]FulfillmentDTO, len(rs))
	for i, r := range rs {
		out[i] = toFulfillmentDTO(r)
	}
	return out
}

// SettlementDTO is the response to a purchase or an outstanding payment.
type SettlementDTO struct {
	Order        OrderDTO         `json:"order"`
	Payments     []PaymentDTO     `json:"payments"`
	CreditUsed   []EntryDTO       `json:"credit_used"`
	CreditEarned []EntryDTO       `json:"credit_earned"`
	Fulfillments []FulfillmentDTO `json:"fulfillments"`
}

func toSettlementDTO(o checkout.Order, ps []checkout.PaymentRecord, used []credit.Entry, conv *settlement.Conversion, fs []fulfillment.Record) SettlementDTO {
	dto := SettlementDTO{
		Order:        toOrderDTO(o),
		Payments:     toPaymentDTOs(ps),
		CreditUsed:   toEntryDTOs(used),
		CreditEarned: []EntryDTO{},
		Fulfillments: toFulfillmentDTOs(fs),
	}
	if conv != nil {
		dto.CreditEarned = append(dto.CreditEarned, toEntryDTO(conv.Base))
		if conv.Bonus != nil {
			dto.CreditEarned = append(dto.CreditEarned, toEntryDTO(*conv.Bonus))
		}
	}
	return dto
}

type RedemptionDTO struct {
	Entries []EntryDTO `json:"entries"`
	Balance BalanceDTO `json:"balance"`
}

type SweepRunDTO struct {
	ID             string          `json:"id"`
	Trigger        string          `json:"trigger"`
	Status         string          `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Accounts       int             `json:"accounts"`
	ExpiredEntries int             `json:"expired_entries"`
	ExpiredAmount  decimal.Decimal `json:"expired_amount"`
	Failures       int             `json:"failures"`
	Error          string          `json:"error,omitempty"`
}

func toSweepRunDTO(r credit.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:             r.ID,
		Trigger:        r.Trigger,
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Accounts:       r.Accounts,
		ExpiredEntries: r.ExpiredEntries,
		ExpiredAmount:  r.ExpiredAmount,
		Failures:       r.Failures,
		Error:          r.Error,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error          string   `json:"error"`
	Details        string   `json:"details,omitempty"`
	OrderID        string   `json:"order_id,omitempty"`
	FailedStep     string   `json:"failed_step,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`
}
