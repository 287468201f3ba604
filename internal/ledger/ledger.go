/**
 * @description
 * The ledger owns every balance mutation. Callers never touch balances directly: manual
 * adjustments go through Credit and Debit, and the compound flows (settling a payment,
 * charging or refunding an order) are delegated to a single repository transaction.
 *
 * @dependencies
 * - github.com/google/uuid: references for adjustments without an idempotency key.
 * - go.uber.org/zap: structured logging.
 * - internal/store: persistence.
 */

package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
)

type Ledger struct {
	repo   store.Repository
	logger *zap.Logger
}

func New(repo store.Repository, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{repo: repo, logger: logger}
}

func validateMovement(userID uuid.UUID, currency string, amount int64) (string, error) {
	if userID == uuid.Nil {
		return "", domain.ValidationErrorf("user id is required")
	}
	currency = domain.NormalizeCurrency(currency)
	if !domain.IsSupportedCurrency(currency) {
		return "", domain.ValidationErrorf("unsupported currency %q", currency)
	}
	if amount <= 0 {
		return "", domain.ValidationErrorf("amount must be positive")
	}
	return currency, nil
}

// GetBalance returns zero for a (user, currency) that has never moved.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	currency = domain.NormalizeCurrency(currency)
	if currency == "" {
		currency = domain.WalletCurrency
	}
	if !domain.IsSupportedCurrency(currency) {
		return nil, domain.ValidationErrorf("unsupported currency %q", currency)
	}
	return l.repo.GetBalance(ctx, userID, currency)
}

func (l *Ledger) ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	return l.repo.ListBalances(ctx, userID)
}

// Credit adds amount. A repeated idempotencyKey returns domain.ErrDuplicateEvent and leaves the
// balance as it was.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, currency string, amount int64, idempotencyKey string) (*domain.Balance, error) {
	currency, err := validateMovement(userID, currency, amount)
	if err != nil {
		return nil, err
	}
	reference := strings.TrimSpace(idempotencyKey)
	if reference == "" {
		reference = uuid.NewString()
	}
	balance, err := l.repo.CreditBalance(ctx, userID, currency, amount, domain.EntryAdjustmentCredit, reference)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			l.logger.Info("duplicate credit ignored", zap.String("user_id", userID.String()), zap.String("reference", reference))
		}
		return nil, err
	}
	l.logger.Info("balance credited",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance.Amount),
	)
	return balance, nil
}

// Debit subtracts amount or fails with *domain.InsufficientBalanceError without a partial debit.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, currency string, amount int64) (*domain.Balance, error) {
	currency, err := validateMovement(userID, currency, amount)
	if err != nil {
		return nil, err
	}
	balance, err := l.repo.DebitBalance(ctx, userID, currency, amount, domain.EntryAdjustmentDebit, uuid.NewString())
	if err != nil {
		return nil, err
	}
	l.logger.Info("balance debited",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance.Amount),
	)
	return balance, nil
}

// SettlePayment completes a payment and credits its CreditAmount exactly once. settled is false
// when the payment was already terminal.
func (l *Ledger) SettlePayment(ctx context.Context, reference, providerTxID string, receivedAt *time.Time) (*domain.Payment, bool, error) {
	payment, settled, err := l.repo.CompletePayment(ctx, reference, providerTxID, receivedAt)
	if err != nil {
		return nil, false, err
	}
	if settled {
		l.logger.Info("payment settled",
			zap.String("reference", reference),
			zap.String("user_id", payment.UserID.String()),
			zap.Int64("credit_amount", payment.CreditAmount),
			zap.String("credit_currency", payment.CreditCurrency),
		)
	}
	return payment, settled, nil
}

// ChargeOrder debits the order price and records the pending order together.
func (l *Ledger) ChargeOrder(ctx context.Context, order *domain.Order) (*domain.Balance, error) {
	if order.AmountPaid < 0 {
		return nil, domain.ValidationErrorf("order amount cannot be negative")
	}
	return l.repo.CreatePendingOrder(ctx, order)
}

// RefundPendingOrder reverses ChargeOrder when provisioning failed.
func (l *Ledger) RefundPendingOrder(ctx context.Context, orderID uuid.UUID) (*domain.Balance, error) {
	balance, err := l.repo.RefundPendingOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	l.logger.Info("pending order refunded", zap.String("order_id", orderID.String()), zap.Int64("balance", balance.Amount))
	return balance, nil
}

// RefundCancelledOrder expires an active order and returns its price.
func (l *Ledger) RefundCancelledOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.Order, *domain.Balance, error) {
	order, balance, err := l.repo.CancelOrder(ctx, orderID, now)
	if err != nil {
		return nil, nil, err
	}
	l.logger.Info("cancelled order refunded",
		zap.String("order_id", orderID.String()),
		zap.Int64("amount", order.AmountPaid),
		zap.Int64("balance", balance.Amount),
	)
	return order, balance, nil
}
