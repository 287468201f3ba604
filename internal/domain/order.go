package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus follows pending -> active -> {completed, expired}.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderExpired   OrderStatus = "expired"
)

const (
	DefaultRentalWindow    = 20 * time.Minute
	DefaultExtensionWindow = 10 * time.Minute
)

// Order is one phone-number rental.
type Order struct {
	ID               uuid.UUID   `json:"id"`
	UserID           uuid.UUID   `json:"user_id"`
	ServiceID        string      `json:"service_id"`
	CountryID        string      `json:"country_id"`
	PhoneNumber      string      `json:"phone_number"`
	ExternalOrderID  string      `json:"external_order_id"`
	Status           OrderStatus `json:"status"`
	AmountPaid       int64       `json:"amount_paid"`
	Currency         string      `json:"currency"`
	ExpiresAt        time.Time   `json:"expires_at"`
	VerificationCode *string     `json:"verification_code,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// IsOverdue reports whether the rental window has passed at now.
func (o *Order) IsOverdue(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// CanExpire is true for the states lazy expiry may move to expired. An overdue pending order
// still holds the user's debit and is settled through RefundPendingOrder instead.
func (o *Order) CanExpire() bool {
	return o.Status == OrderActive
}

// NeedsSettlement reports whether the order is unresolved at now: active past its window, or
// pending past its window because provisioning never completed.
func (o *Order) NeedsSettlement(now time.Time) bool {
	return (o.Status == OrderPending || o.Status == OrderActive) && o.IsOverdue(now)
}

// SecondsRemaining is clamped at zero.
func (o *Order) SecondsRemaining(now time.Time) int64 {
	if !o.ExpiresAt.After(now) {
		return 0
	}
	return int64(o.ExpiresAt.Sub(now) / time.Second)
}

// CreateOrderRequest is the DTO for POST /generate-number.
type CreateOrderRequest struct {
	ServiceID string `json:"service_id"`
	CountryID string `json:"country_id"`
}

// CodeState describes the outcome of a verification-code lookup.
type CodeState string

const (
	CodeReceived CodeState = "received"
	CodeWaiting  CodeState = "waiting"
)

// VerificationCodeResult is returned by GET /verification-code/{orderId}.
type VerificationCodeResult struct {
	Order *Order    `json:"order"`
	State CodeState `json:"state"`
	Code  string    `json:"code,omitempty"`
}
