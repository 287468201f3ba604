/**
 * @description
 * HTTP handlers for the numbers-service. Handlers parse the request, call the ledger, funding,
 * order or reconciliation services and map domain errors onto status codes.
 *
 * @dependencies
 * - internal/app, internal/ledger: business logic.
 * - internal/domain: DTOs and the error taxonomy.
 * - go.uber.org/zap: structured logging.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/app"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/ledger"
)

const maxBodyBytes = 1 << 20

// WebhookRelay parks a webhook on the broker for a later retry.
type WebhookRelay interface {
	Relay(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

// Handlers holds the services the HTTP layer calls.
type Handlers struct {
	ledger     *ledger.Ledger
	funding    *app.FundingService
	orders     *app.OrderManager
	reconciler *app.Reconciler
	rates      app.RateSource
	relay      WebhookRelay
	logger     *zap.Logger
}

// NewHandlers wires the handlers. relay may be nil.
func NewHandlers(l *ledger.Ledger, funding *app.FundingService, orders *app.OrderManager, reconciler *app.Reconciler, rateSource app.RateSource, relay WebhookRelay, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		ledger:     l,
		funding:    funding,
		orders:     orders,
		reconciler: reconciler,
		rates:      rateSource,
		relay:      relay,
		logger:     logger.With(zap.String("component", "api")),
	}
}

type insufficientBalanceResponse struct {
	Error          string `json:"error"`
	Currency       string `json:"currency"`
	CurrentBalance int64  `json:"current_balance"`
	RequiredAmount int64  `json:"required_amount"`
	Shortfall      int64  `json:"shortfall"`
}

type paymentResponse struct {
	Reference      string               `json:"reference"`
	Provider       string               `json:"provider"`
	Status         domain.PaymentStatus `json:"status"`
	Amount         int64                `json:"amount"`
	Currency       string               `json:"currency"`
	CreditAmount   int64                `json:"credit_amount"`
	CreditCurrency string               `json:"credit_currency"`
	RedirectURL    *string              `json:"redirect_url,omitempty"`
	FailureReason  *string              `json:"failure_reason,omitempty"`
}

func buildPaymentResponse(p *domain.Payment) paymentResponse {
	return paymentResponse{
		Reference:      p.Reference,
		Provider:       p.Provider,
		Status:         p.Status,
		Amount:         p.Amount,
		Currency:       p.Currency,
		CreditAmount:   p.CreditAmount,
		CreditCurrency: p.CreditCurrency,
		RedirectURL:    p.RedirectURL,
		FailureReason:  p.FailureReason,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *domain.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, insufficientBalanceResponse{
			Error:          "Insufficient balance",
			Currency:       insufficient.Currency,
			CurrentBalance: insufficient.Current,
			RequiredAmount: insufficient.Required,
			Shortfall:      insufficient.Shortfall(),
		})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrExpiredResource):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrProviderRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, domain.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Provider is temporarily unavailable, please retry")
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handlers) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// AccountBalance returns every balance, or one with ?currency=.
func (h *Handlers) AccountBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if currency := strings.TrimSpace(r.URL.Query().Get("currency")); currency != "" {
		balance, err := h.ledger.GetBalance(r.Context(), userID, currency)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, balance)
		return
	}
	balances, err := h.ledger.ListBalances(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if len(balances) == 0 {
		balances = []domain.Balance{{UserID: userID, Currency: domain.WalletCurrency}}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balances": balances})
}

func (h *Handlers) Rate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}
	rate, err := h.rates.GetRate(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handlers) AddFunds(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req domain.AddFundsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	payment, err := h.funding.AddFunds(r.Context(), userID, chi.URLParam(r, "provider"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, buildPaymentResponse(payment))
}

func (h *Handlers) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	payment, err := h.funding.PaymentStatus(r.Context(), userID, chi.URLParam(r, "reference"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildPaymentResponse(payment))
}

// Webhook authenticates and applies a provider callback. Replays answer 200. A webhook that
// cannot be applied for a transient reason is parked on the relay when one is configured.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := h.reconciler.ProcessWebhook(r.Context(), provider, payload, r.Header)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
	case errors.Is(err, domain.ErrProviderRejected), errors.Is(err, domain.ErrValidation):
		h.logger.Warn("webhook rejected", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Webhook rejected")
	case errors.Is(err, domain.ErrNotFound):
		h.logger.Warn("webhook for unknown provider or payment", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusNotFound, err.Error())
	case h.relay != nil:
		if relayErr := h.relay.Relay(r.Context(), provider, payload, r.Header); relayErr != nil {
			h.logger.Error("webhook relay failed", zap.String("provider", provider), zap.NamedError("cause", err), zap.Error(relayErr))
			writeError(w, http.StatusServiceUnavailable, "Webhook could not be processed")
			return
		}
		h.logger.Warn("webhook parked for retry", zap.String("provider", provider), zap.Error(err))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		h.logger.Error("webhook processing failed", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Webhook could not be processed")
	}
}
