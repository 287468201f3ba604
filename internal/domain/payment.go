package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is monotonic: once completed or failed it never changes.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentInitiated PaymentStatus = "initiated"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether the status can no longer transition.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Payment is one funding attempt with one provider.
// CreditAmount is fixed at initiation from the rate snapshot and is the only amount ever credited.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	UserID            uuid.UUID       `json:"user_id"`
	Reference         string          `json:"reference"`
	Provider          string          `json:"provider"`
	ExternalTxID      *string         `json:"external_tx_id,omitempty"`
	Amount            int64           `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	RedirectURL       *string         `json:"redirect_url,omitempty"`
	CreditCurrency    string          `json:"credit_currency"`
	CreditAmount      int64           `json:"credit_amount"`
	RateSnapshot      decimal.Decimal `json:"rate_snapshot"`
	MarkupPercent     decimal.Decimal `json:"markup_percent"`
	VATPercent        decimal.Decimal `json:"vat_percent"`
	PollAttempts      int             `json:"poll_attempts"`
	LastPolledAt      *time.Time      `json:"last_polled_at,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	WebhookReceivedAt *time.Time      `json:"webhook_received_at,omitempty"`
}

// EventStatus is the normalized outcome a provider reports for a payment.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
)

// PaymentEvent is the canonical shape every gateway adapter produces from a webhook or a verify call.
type PaymentEvent struct {
	Reference    string      `json:"reference"`
	Provider     string      `json:"provider"`
	Status       EventStatus `json:"status"`
	Amount       int64       `json:"amount_minor_units"`
	Currency     string      `json:"currency"`
	ProviderTxID string      `json:"provider_tx_id"`
	Reason       string      `json:"reason,omitempty"`
	// ConfirmWithProvider marks an authenticated event whose signature does not cover the
	// payload. Its status is confirmed through Verify before any state change.
	ConfirmWithProvider bool `json:"-"`
}

// AddFundsRequest is the DTO for POST /add-funds/{provider}.
type AddFundsRequest struct {
	Amount   int64  `json:"amount"` // minor units of Currency
	Currency string `json:"currency"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
}

// Customer is the payer information forwarded to a gateway.
type Customer struct {
	UserID uuid.UUID
	Email  string
	Phone  string
	Name   string
}

// RelayedWebhook is the message an edge relay publishes when it forwards a provider webhook
// over the broker instead of HTTP. The raw body is kept so signatures can still be verified here.
type RelayedWebhook struct {
	Provider   string            `json:"provider"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	ReceivedAt time.Time         `json:"received_at"`
}

// NormalizeProvider lower-cases a provider id from a path or a message.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
