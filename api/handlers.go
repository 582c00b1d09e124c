/*
handlers.go - HTTP API handlers for the loyalty credit ledger

PURPOSE:
  Exposes the settlement core via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the checkout coordinator, the
  credit ledger and the fulfillment service.

ENDPOINTS:
  Purchases and orders:
    POST   /api/purchases                     Purchase saga
    GET    /api/orders/{id}                   Order with payments
    POST   /api/orders/{id}/settle            Pay down an unpaid order

  Accounts:
    GET    /api/accounts/{id}/balance         Balance snapshot
    GET    /api/accounts/{id}/ledger          Ledger history
    GET    /api/accounts/{id}/fulfillments    Fulfillments for account
    POST   /api/accounts/{id}/redemptions     FIFO redemption
    POST   /api/accounts/{id}/adjustments     Manual adjustment

  Fulfillments:
    GET    /api/fulfillments?status=active    Fulfillments by status
    POST   /api/fulfillments/{id}/sessions    Complete one session
    POST   /api/fulfillments/{id}/hold        Start hold
    POST   /api/fulfillments/{id}/resume      End hold
    POST   /api/fulfillments/{id}/extend      Extend end date
    POST   /api/fulfillments/{id}/cancel      Cancel

  Admin:
    POST   /api/admin/sweep                   Run expiry sweep now
    GET    /api/admin/sweeps                  Sweep run history

CONCURRENCY:
  Every handler that writes ledger entries holds the account's lock from
  Locks for the whole operation, so balance checks and the writes they
  guard cannot interleave with another writer on the same account.
  Fulfillment transitions take the same lock inside fulfillment.Service.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the error:
  - 400: Malformed body, invalid entry or amount
  - 404: Record not found
  - 409: Invalid state transition, duplicate entry
  - 422: Insufficient credit
  - 424: Collaborator (directory, catalog, cache) unavailable
  - 502: Order recorded but settlement incomplete (lists completed steps)
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loyalty-ledger/checkout"
	"github.com/warp/loyalty-ledger/credit"
	"github.com/warp/loyalty-ledger/fulfillment"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator  *checkout.Coordinator
	Fulfillments *fulfillment.Service
	Redeemer     *credit.Redeemer
	Locks        *credit.AccountLocks
	Scheduler    *ExpiryScheduler
	Runs         credit.SweepRunStore
	Logger       *zap.Logger
}

// NewHandler creates a handler. Ledger, cache and clock come from the
// coordinator's dependencies. A fulfillment service without locks is given
// the handler's, so lifecycle transitions and settlements of one account
// are serialized.
func NewHandler(coord *checkout.Coordinator, fulfillments *fulfillment.Service, redeemer *credit.Redeemer,
	locks *credit.AccountLocks, scheduler *ExpiryScheduler, runs credit.SweepRunStore, logger *zap.Logger) *Handler {
	if locks == nil {
		locks = credit.NewAccountLocks()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fulfillments != nil && fulfillments.Locks == nil {
		fulfillments.Locks = locks
	}
	return &Handler{
		Coordinator:  coord,
		Fulfillments: fulfillments,
		Redeemer:     redeemer,
		Locks:        locks,
		Scheduler:    scheduler,
		Runs:         runs,
		Logger:       logger,
	}
}

// =============================================================================
// PURCHASE AND ORDER HANDLERS
// =============================================================================

// Purchase runs the purchase saga.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	unlock := h.Locks.Lock(credit.AccountID(req.AccountID))
	defer unlock()

	res, err := h.Coordinator.Purchase(r.Context(), req.toDomain())
	if err != nil {
		h.writeDomainError(w, "Purchase failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(res.Order, res.Payments, res.CreditUsed, res.Conversion, res.Fulfillments))
}

// GetOrder returns an order with its payments.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.Coordinator.OrderByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":    toOrderDTO(view.Order),
		"payments": toPaymentDTOs(view.Payments),
	})
}

// SettleOrder pays down an order's unpaid amount.
func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	orderID := chi.URLParam(r, "id")
	view, err := h.Coordinator.OrderByID(ctx, orderID)
	if err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}

	unlock := h.Locks.Lock(view.Order.AccountID)
	defer unlock()

	res, err := h.Coordinator.SettleOutstanding(ctx, orderID, req.Tenders.toTenders())
	if err != nil {
		h.writeDomainError(w, "Settlement failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(res.Order, res.Payments, res.CreditUsed, res.Conversion, res.Fulfillments))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetBalance returns the account's balance snapshot.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Coordinator.BalanceOf(r.Context(), credit.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(snap))
}

// GetLedger returns every ledger entry for the account, oldest first.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Coordinator.LedgerHistory(r.Context(), credit.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toEntryDTOs(entries)})
}

func (h *Handler) GetAccountFulfillments(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Coordinator.FulfillmentsByAccount(r.Context(), credit.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get fulfillments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fulfillments": toFulfillmentDTOs(recs)})
}

// Redeem spends credit outside a purchase.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	accountID := credit.AccountID(chi.URLParam(r, "id"))

	unlock := h.Locks.Lock(accountID)
	defer unlock()

	if req.OrderID != "" {
		if err := h.Coordinator.CheckRedeemable(r.Context(), req.OrderID, accountID); err != nil {
			h.writeDomainError(w, "Redemption failed", err)
			return
		}
	}

	res, err := h.Redeemer.Redeem(r.Context(), credit.RedeemRequest{
		AccountID:      accountID,
		Amount:         req.Amount,
		RelatedOrderID: req.OrderID,
		Source:         credit.SourceRedemption,
	})
	if err != nil {
		h.writeDomainError(w, "Redemption failed", err)
		return
	}

	dto := RedemptionDTO{Entries: toEntryDTOs(res.Entries)}
	if res.Balance != nil {
		dto.Balance = toBalanceDTO(*res.Balance)
	} else if snap, err := h.Coordinator.BalanceOf(r.Context(), accountID); err == nil {
		dto.Balance = toBalanceDTO(snap)
	}
	writeJSON(w, http.StatusCreated, dto)
}

// CreateAdjustment appends a manual adjust entry.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Amount.IsZero() {
		writeError(w, http.StatusBadRequest, "amount must be nonzero", nil)
		return
	}

	ctx := r.Context()
	accountID := credit.AccountID(chi.URLParam(r, "id"))
	now := h.Coordinator.Clock.Now()
	source := credit.SourceManual
	if req.Reason != "" {
		source = credit.SourceManual + ": " + req.Reason
	}

	e := credit.Entry{
		ID:              credit.NewEntryID(),
		AccountID:       accountID,
		Amount:          req.Amount,
		Kind:            credit.KindAdjust,
		EarnedDate:      now,
		OriginalEntryID: credit.EntryID(req.OriginalEntryID),
		Source:          source,
		CreatedAt:       now,
	}
	if req.Amount.IsPositive() {
		e.ExpiryDate = credit.DaysFrom(now, req.ExpiryDays)
	}

	unlock := h.Locks.Lock(accountID)
	defer unlock()

	if err := h.Coordinator.Ledger.Append(ctx, e); err != nil {
		h.writeDomainError(w, "Failed to create adjustment", err)
		return
	}
	h.Coordinator.Cache.Refresh(ctx, accountID)

	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

// =============================================================================
// FULFILLMENT HANDLERS
// =============================================================================

// ListFulfillments returns fulfillments in the status given by ?status=.
func (h *Handler) ListFulfillments(w http.ResponseWriter, r *http.Request) {
	status := fulfillment.Status(r.URL.Query().Get("status"))
	if status == "" {
		writeError(w, http.StatusBadRequest, "status query parameter is required", nil)
		return
	}
	recs, err := h.Coordinator.FulfillmentsByStatus(r.Context(), status)
	if err != nil {
		h.writeDomainError(w, "Failed to list fulfillments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fulfillments": toFulfillmentDTOs(recs)})
}

func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	h.fulfillmentAction(w, r, h.Fulfillments.CompleteSession)
}

func (h *Handler) StartHold(w http.ResponseWriter, r *http.Request) {
	h.fulfillmentAction(w, r, h.Fulfillments.StartHold)
}

func (h *Handler) EndHold(w http.ResponseWriter, r *http.Request) {
	h.fulfillmentAction(w, r, h.Fulfillments.EndHold)
}

func (h *Handler) CancelFulfillment(w http.ResponseWriter, r *http.Request) {
	h.fulfillmentAction(w, r, h.Fulfillments.Cancel)
}

// Extend pushes a date-range fulfillment's end date out by {"days": n}.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rec, err := h.Fulfillments.Extend(r.Context(), chi.URLParam(r, "id"), req.Days)
	if err != nil {
		h.writeDomainError(w, "Failed to extend fulfillment", err)
		return
	}
	writeJSON(w, http.StatusOK, toFulfillmentDTO(rec))
}

func (h *Handler) fulfillmentAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, id string) (fulfillment.Record, error)) {
	rec, err := action(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "Fulfillment transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toFulfillmentDTO(rec))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the expiry sweeper now and returns the run record.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Expiry sweeper not configured", nil)
		return
	}
	run, err := h.Scheduler.RunNow(r.Context(), TriggerManual)
	if err != nil {
		h.writeDomainError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

// ListSweepRuns returns recent sweep runs, newest first. ?limit= caps the
// count (default 50).
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []SweepRunDTO{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.SweepRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toSweepRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var serr *checkout.SettlementError
	switch {
	case errors.As(err, &serr):
		return http.StatusBadGateway
	case credit.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrInsufficientCredit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, credit.ErrInvalidEntry), errors.Is(err, credit.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, credit.ErrInvalidStateTransition), errors.Is(err, credit.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, credit.ErrDependencyUnavailable):
		return http.StatusFailedDependency
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}

	var serr *checkout.SettlementError
	if errors.As(err, &serr) {
		resp.Error = fmt.Sprintf("Order %s recorded, settlement incomplete", serr.OrderID)
		resp.OrderID = serr.OrderID
		resp.FailedStep = string(serr.Failed)
		for _, s := range serr.Completed {
			resp.CompletedSteps = append(resp.CompletedSteps, string(s))
		}
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}
