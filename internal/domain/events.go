package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for lifecycle events published to the broker. Downstream consumers
// (email rendering, analytics) subscribe to these.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventOrderActivated   = "order.activated"
	EventOrderCompleted   = "order.completed"
	EventOrderExpired     = "order.expired"
	EventOrderCancelled   = "order.cancelled"

	// RoutingWebhookRelayed carries RelayedWebhook messages on the events exchange.
	RoutingWebhookRelayed = "webhook.relayed"
)

// PaymentStatusChanged is published once per terminal payment transition.
type PaymentStatusChanged struct {
	PaymentID      uuid.UUID     `json:"payment_id"`
	UserID         uuid.UUID     `json:"user_id"`
	Reference      string        `json:"reference"`
	Provider       string        `json:"provider"`
	Status         PaymentStatus `json:"status"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	CreditAmount   int64         `json:"credit_amount"`
	CreditCurrency string        `json:"credit_currency"`
	Reason         string        `json:"reason,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// OrderStatusChanged is published on order activation, completion, expiry and cancellation.
type OrderStatusChanged struct {
	OrderID     uuid.UUID   `json:"order_id"`
	UserID      uuid.UUID   `json:"user_id"`
	Status      OrderStatus `json:"status"`
	PhoneNumber string      `json:"phone_number"`
	ServiceID   string      `json:"service_id"`
	CountryID   string      `json:"country_id"`
	AmountPaid  int64       `json:"amount_paid"`
	ExpiresAt   time.Time   `json:"expires_at"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// NewOrderStatusChanged builds the event payload for an order snapshot.
func NewOrderStatusChanged(order *Order, at time.Time) OrderStatusChanged {
	return OrderStatusChanged{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      order.Status,
		PhoneNumber: order.PhoneNumber,
		ServiceID:   order.ServiceID,
		CountryID:   order.CountryID,
		AmountPaid:  order.AmountPaid,
		ExpiresAt:   order.ExpiresAt,
		OccurredAt:  at,
	}
}

// NewPaymentStatusChanged builds the event payload for a payment snapshot.
func NewPaymentStatusChanged(p *Payment, at time.Time) PaymentStatusChanged {
	event := PaymentStatusChanged{
		PaymentID:      p.ID,
		UserID:         p.UserID,
		Reference:      p.Reference,
		Provider:       p.Provider,
		Status:         p.Status,
		Amount:         p.Amount,
		Currency:       p.Currency,
		CreditAmount:   p.CreditAmount,
		CreditCurrency: p.CreditCurrency,
		OccurredAt:     at,
	}
	if p.FailureReason != nil {
		event.Reason = *p.FailureReason
	}
	return event
}

// PartitionKey keeps one user's events ordered on partitioned brokers.
func (e PaymentStatusChanged) PartitionKey() string { return e.UserID.String() }

func (e OrderStatusChanged) PartitionKey() string { return e.UserID.String() }
