/**
 * @description
 * The Repository interface is the persistence contract for the numbers-service. Every
 * operation that must move money together with a status change is a single method here,
 * so that the driver can run it inside one transaction.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: domain models and error taxonomy.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Balances. A missing (user, currency) row reads as zero.
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
	// CreditBalance returns domain.ErrDuplicateEvent when (kind, reference) was already applied.
	CreditBalance(ctx context.Context, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error)
	// DebitBalance returns *domain.InsufficientBalanceError and leaves the balance untouched when funds are short.
	DebitBalance(ctx context.Context, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error)

	// Payments
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	MarkPaymentInitiated(ctx context.Context, reference, providerReference, redirectURL string) (*domain.Payment, error)
	// CompletePayment moves a non-terminal payment to completed and credits CreditAmount in the
	// same transaction. won is false when another caller already finalised the payment.
	CompletePayment(ctx context.Context, reference, providerTxID string, receivedAt *time.Time) (payment *domain.Payment, won bool, err error)
	FailPayment(ctx context.Context, reference, reason string, receivedAt *time.Time) (payment *domain.Payment, won bool, err error)
	ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
	RecordPollAttempt(ctx context.Context, reference string, at time.Time) (*domain.Payment, error)

	// Orders
	// CreatePendingOrder debits AmountPaid and inserts the pending order in one transaction.
	CreatePendingOrder(ctx context.Context, order *domain.Order) (*domain.Balance, error)
	ActivateOrder(ctx context.Context, orderID uuid.UUID, phoneNumber, externalOrderID string, expiresAt time.Time) (*domain.Order, error)
	// RefundPendingOrder credits the debit back and removes the pending row in one transaction.
	RefundPendingOrder(ctx context.Context, orderID uuid.UUID) (*domain.Balance, error)
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	// ExpireOrder moves an active order whose window has passed to expired. Pending orders are
	// never expired; they keep their debit until RefundPendingOrder settles them.
	// changed is false when the order was already terminal or still inside its window.
	ExpireOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (order *domain.Order, changed bool, err error)
	// ExtendOrder pushes expires_at forward only while the order is active and not overdue.
	ExtendOrder(ctx context.Context, orderID uuid.UUID, now time.Time, by time.Duration) (*domain.Order, error)
	// StoreVerificationCode records a code for an active or completed order inside its window
	// and marks it completed.
	StoreVerificationCode(ctx context.Context, orderID uuid.UUID, code string, now time.Time) (*domain.Order, error)
	// CancelOrder expires an active order that has no code yet and refunds AmountPaid once.
	CancelOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.Order, *domain.Balance, error)
	// ListOverdueOrders returns pending and active orders past their window, oldest first.
	ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
}
