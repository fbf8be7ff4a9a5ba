/**
 * @description
 * This file contains the HTTP handlers for the airdrop-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the settlement pipeline.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/app"
	"github.com/kudoshq/airdrop-service/internal/domain"
	"github.com/kudoshq/airdrop-service/internal/store"
)

// AirdropHandlers holds the application service that handlers will use.
type AirdropHandlers struct {
	service     *app.Service
	rateLimiter *app.RedisAirdropRateLimiter
}

// NewAirdropHandlers creates a new instance of AirdropHandlers.
func NewAirdropHandlers(service *app.Service, rateLimiter *app.RedisAirdropRateLimiter) *AirdropHandlers {
	return &AirdropHandlers{
		service:     service,
		rateLimiter: rateLimiter,
	}
}

// airdropRequestBody is the payload for ad-hoc settlement requests. Amounts are
// decimal strings denominated in base units.
type airdropRequestBody struct {
	TokenSymbol string `json:"token_symbol"`
	Transfers   []struct {
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	} `json:"transfers"`
	CreditIDs []string `json:"credit_ids,omitempty"`
}

// airdropResponseBody mirrors domain.SettlementResponse with amounts as strings.
type airdropResponseBody struct {
	RequestID   string              `json:"request_id"`
	Transaction *domain.Transaction `json:"transaction"`
	TotalMoved  string              `json:"total_moved"`
}

// safeModeResponse is the operator-facing snapshot of the circuit breaker.
type safeModeResponse struct {
	Tripped   bool       `json:"tripped"`
	Reason    string     `json:"reason,omitempty"`
	TrippedAt *time.Time `json:"tripped_at,omitempty"`
}

// TriggerRunHandler handles requests to start a settlement run outside the
// recurring schedule.
func (h *AirdropHandlers) TriggerRunHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := GetOperatorID(r.Context())
	if !ok {
		operatorID = "internal"
	}
	if !h.consumeLimit(w, r, app.RateScopeTriggerRun, operatorID) {
		return
	}

	if h.service.SafeMode().IsTripped() {
		h.writeError(w, http.StatusServiceUnavailable, "Safe mode is tripped; reset it before triggering a run")
		return
	}
	if h.service.IsRunActive() {
		h.writeError(w, http.StatusConflict, "A settlement run is already executing")
		return
	}

	// The run can take minutes on a congested ledger, so it executes in the
	// background and the API answers immediately. It must not inherit the
	// request context or the run dies when the client disconnects.
	go func() {
		if err := h.service.TriggerSettlementRun(context.Background()); err != nil {
			log.Printf("level=error component=api endpoint=trigger_run outcome=failed operator_id=%s err=%v", operatorID, err)
		}
	}()

	log.Printf("level=info component=api endpoint=trigger_run outcome=accepted operator_id=%s", operatorID)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// SubmitRequestHandler handles ad-hoc airdrop requests. The call blocks until
// the settlement reaches a terminal state or fails.
func (h *AirdropHandlers) SubmitRequestHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, ok := GetOperatorID(r.Context())
	if !ok {
		operatorID = "internal"
	}
	if !h.consumeLimit(w, r, app.RateScopeAdhocRequest, operatorID) {
		return
	}

	var body airdropRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	pairs := make([]domain.TransferPair, 0, len(body.Transfers))
	for _, transfer := range body.Transfers {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(transfer.Amount), 10)
		if !ok {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Amount %q is not a base-10 integer", transfer.Amount))
			return
		}
		pairs = append(pairs, domain.TransferPair{Recipient: transfer.Recipient, Amount: amount})
	}

	creditIDs := make([]uuid.UUID, 0, len(body.CreditIDs))
	for _, raw := range body.CreditIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid credit id %q", raw))
			return
		}
		creditIDs = append(creditIDs, id)
	}

	response, err := h.service.SubmitAirdropRequest(r.Context(), body.TokenSymbol, pairs, creditIDs)
	if err != nil {
		status := faultStatus(err)
		if status >= http.StatusInternalServerError {
			log.Printf("level=error component=api endpoint=submit_request outcome=failed operator_id=%s code=%s err=%v",
				operatorID, domain.FaultCodeOf(err), err)
		} else {
			log.Printf("level=warn component=api endpoint=submit_request outcome=reject operator_id=%s code=%s err=%v",
				operatorID, domain.FaultCodeOf(err), err)
		}
		h.writeFault(w, status, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, airdropResponseBody{
		RequestID:   response.RequestID.String(),
		Transaction: response.Transaction,
		TotalMoved:  response.TotalMoved.String(),
	})
}

// ListTransactionsHandler handles requests to list ledger transactions.
func (h *AirdropHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	opts := store.ListTransactionsOptions{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}
	if raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); raw != "" {
		switch domain.TransactionStatus(raw) {
		case domain.TxStatusPending, domain.TxStatusSuccess, domain.TxStatusFailed:
			opts.Status = raw
		default:
			h.writeError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	transactions, err := h.service.ListTransactions(r.Context(), opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transactions outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// GetTransactionByIDHandler handles requests to fetch an individual transaction by UUID.
func (h *AirdropHandlers) GetTransactionByIDHandler(w http.ResponseWriter, r *http.Request) {
	transactionIDStr := chi.URLParam(r, "id")
	transactionID, err := uuid.Parse(transactionIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
		return
	}

	tx, err := h.service.GetTransactionByID(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_transaction_by_id outcome=failed transaction_id=%s err=%v", transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// GetSafeModeHandler reports the circuit breaker state.
func (h *AirdropHandlers) GetSafeModeHandler(w http.ResponseWriter, r *http.Request) {
	tripped, reason, trippedAt := h.service.SafeMode().State()
	response := safeModeResponse{Tripped: tripped, Reason: reason}
	if tripped {
		response.TrippedAt = &trippedAt
	}
	h.writeJSON(w, http.StatusOK, response)
}

// ResetSafeModeHandler clears the circuit breaker. This is the only path that
// un-trips safe mode.
func (h *AirdropHandlers) ResetSafeModeHandler(w http.ResponseWriter, r *http.Request) {
	operatorID, _ := GetOperatorID(r.Context())
	tripped, reason, _ := h.service.SafeMode().State()
	h.service.SafeMode().Reset()
	if tripped {
		log.Printf("level=info component=api endpoint=reset_safe_mode outcome=reset operator_id=%s previous_reason=%q", operatorID, reason)
	}
	h.writeJSON(w, http.StatusOK, safeModeResponse{Tripped: false})
}

// consumeLimit enforces the per-operator rate limit for an endpoint scope. A
// limiter outage fails open: throttling is protective, not load-bearing.
func (h *AirdropHandlers) consumeLimit(w http.ResponseWriter, r *http.Request, scope, subject string) bool {
	decision, err := h.rateLimiter.Consume(r.Context(), scope, subject)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
		return true
	}
	if !decision.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return false
	}
	return true
}

// faultStatus maps a pipeline fault to an HTTP status code.
func faultStatus(err error) int {
	switch domain.FaultCodeOf(err) {
	case domain.FaultInvalidRequest:
		return http.StatusBadRequest
	case domain.FaultSafeMode:
		return http.StatusServiceUnavailable
	case domain.FaultNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFault writes a JSON error response carrying the fault code and, when
// known, the hash of the orphaned transaction.
func (h *AirdropHandlers) writeFault(w http.ResponseWriter, status int, err error) {
	body := map[string]string{
		"error": err.Error(),
		"code":  string(domain.FaultCodeOf(err)),
	}
	var fault *domain.Fault
	if errors.As(err, &fault) && fault.TxHash != "" {
		body["tx_hash"] = fault.TxHash
	}
	h.writeJSON(w, status, body)
}

// writeJSON is a helper for writing JSON responses.
func (h *AirdropHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *AirdropHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
