/**
 * @description
 * PostgreSQL implementation of the Repository interface. Balance mutations lock the
 * (user, currency) row with FOR UPDATE, status transitions are conditional UPDATEs, and
 * every ledger entry is written in the same transaction as the balance change it records.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const paymentColumns = `
	id, user_id, reference, provider, external_tx_id, amount, currency, status, redirect_url,
	credit_currency, credit_amount, rate_snapshot, markup_percent, vat_percent,
	poll_attempts, last_polled_at, failure_reason, webhook_received_at, created_at, updated_at`

const orderColumns = `
	id, user_id, service_id, country_id, phone_number, external_order_id, status,
	amount_paid, currency, expires_at, verification_code, created_at, updated_at`

// GetBalance returns the stored balance or a zero balance when no row exists yet.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	balance := domain.Balance{UserID: userID, Currency: currency}
	err := r.db.QueryRow(ctx,
		"SELECT amount, updated_at FROM balances WHERE user_id = $1 AND currency = $2",
		userID, currency,
	).Scan(&balance.Amount, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			balance.UpdatedAt = time.Now().UTC()
			return &balance, nil
		}
		return nil, err
	}
	return &balance, nil
}

func (r *PostgresRepository) ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	rows, err := r.db.Query(ctx,
		"SELECT user_id, currency, amount, updated_at FROM balances WHERE user_id = $1 ORDER BY currency",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		var b domain.Balance
		if err := rows.Scan(&b.UserID, &b.Currency, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// CreditBalance performs an atomic credit guarded by the (kind, reference) ledger constraint.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := creditTx(ctx, tx, userID, currency, amount, kind, reference)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return balance, nil
}

// DebitBalance performs an atomic debit operation on a user's balance.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := debitTx(ctx, tx, userID, currency, amount, kind, reference)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return balance, nil
}

// insertEntry records a ledger entry. It returns ErrDuplicateEvent when the entry already exists.
func insertEntry(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string, delta int64, kind domain.EntryKind, reference string) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, currency, delta, kind, reference)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, reference) DO NOTHING`,
		uuid.New(), userID, currency, delta, string(kind), reference,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrDuplicateEvent, kind, reference)
	}
	return nil
}

func creditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	if err := insertEntry(ctx, tx, userID, currency, amount, kind, reference); err != nil {
		return nil, err
	}
	balance := domain.Balance{UserID: userID, Currency: currency}
	err := tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, currency, amount, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, currency)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()
		RETURNING amount, updated_at`,
		userID, currency, amount,
	).Scan(&balance.Amount, &balance.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	return &balance, nil
}

func debitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	var current int64
	// Use FOR UPDATE to lock the row, preventing race conditions.
	err := tx.QueryRow(ctx,
		"SELECT amount FROM balances WHERE user_id = $1 AND currency = $2 FOR UPDATE",
		userID, currency,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if current < amount {
		return nil, &domain.InsufficientBalanceError{Currency: currency, Current: current, Required: amount}
	}

	if err := insertEntry(ctx, tx, userID, currency, -amount, kind, reference); err != nil {
		return nil, err
	}

	balance := domain.Balance{UserID: userID, Currency: currency}
	err = tx.QueryRow(ctx, `
		UPDATE balances SET amount = amount - $1, updated_at = NOW()
		WHERE user_id = $2 AND currency = $3
		RETURNING amount, updated_at`,
		amount, userID, currency,
	).Scan(&balance.Amount, &balance.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) && amount == 0 {
			balance.UpdatedAt = time.Now().UTC()
			return &balance, nil
		}
		return nil, fmt.Errorf("debit balance: %w", err)
	}
	return &balance, nil
}

func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, user_id, reference, provider, amount, currency, status,
			credit_currency, credit_amount, rate_snapshot, markup_percent, vat_percent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		p.ID, p.UserID, p.Reference, p.Provider, p.Amount, p.Currency, string(p.Status),
		p.CreditCurrency, p.CreditAmount, p.RateSnapshot, p.MarkupPercent, p.VATPercent,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE reference = $1", reference)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("payment %s", reference)
		}
		return nil, err
	}
	return p, nil
}

// MarkPaymentInitiated records the provider's handle. Only a pending payment moves; any other
// state is returned unchanged.
func (r *PostgresRepository) MarkPaymentInitiated(ctx context.Context, reference, providerReference, redirectURL string) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE payments
		SET status = 'initiated', external_tx_id = NULLIF($2, ''), redirect_url = NULLIF($3, ''), updated_at = NOW()
		WHERE reference = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		reference, providerReference, redirectURL,
	)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.FindPaymentByReference(ctx, reference)
	}
	return p, err
}

// CompletePayment is the compare-and-set that gates the credit: the status UPDATE only
// matches a non-terminal row, and the credit is applied in the same transaction.
func (r *PostgresRepository) CompletePayment(ctx context.Context, reference, providerTxID string, receivedAt *time.Time) (*domain.Payment, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE payments
		SET status = 'completed',
			external_tx_id = COALESCE(NULLIF($2, ''), external_tx_id),
			webhook_received_at = COALESCE($3, webhook_received_at),
			updated_at = NOW()
		WHERE reference = $1 AND status IN ('pending', 'initiated')
		RETURNING `+paymentColumns,
		reference, providerTxID, receivedAt,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, findErr := r.FindPaymentByReference(ctx, reference)
			return current, false, findErr
		}
		return nil, false, err
	}

	if _, err := creditTx(ctx, tx, p.UserID, p.CreditCurrency, p.CreditAmount, domain.EntryPaymentCredit, p.Reference); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (r *PostgresRepository) FailPayment(ctx context.Context, reference, reason string, receivedAt *time.Time) (*domain.Payment, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE payments
		SET status = 'failed', failure_reason = $2,
			webhook_received_at = COALESCE($3, webhook_received_at), updated_at = NOW()
		WHERE reference = $1 AND status IN ('pending', 'initiated')
		RETURNING `+paymentColumns,
		reference, reason, receivedAt,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, findErr := r.FindPaymentByReference(ctx, reference)
			return current, false, findErr
		}
		return nil, false, err
	}
	return p, true, nil
}

func (r *PostgresRepository) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('pending', 'initiated') AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PostgresRepository) RecordPollAttempt(ctx context.Context, reference string, at time.Time) (*domain.Payment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE payments SET poll_attempts = poll_attempts + 1, last_polled_at = $2, updated_at = NOW()
		WHERE reference = $1
		RETURNING `+paymentColumns,
		reference, at,
	)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("payment %s", reference)
	}
	return p, err
}

// CreatePendingOrder debits the wallet and inserts the order inside one transaction so a
// failed insert never leaves a debit behind.
func (r *PostgresRepository) CreatePendingOrder(ctx context.Context, order *domain.Order) (*domain.Balance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := debitTx(ctx, tx, order.UserID, order.Currency, order.AmountPaid, domain.EntryOrderDebit, order.ID.String())
	if err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, service_id, country_id, status, amount_paid, currency, expires_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
		RETURNING created_at, updated_at`,
		order.ID, order.UserID, order.ServiceID, order.CountryID, order.AmountPaid, order.Currency, order.ExpiresAt,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	order.Status = domain.OrderPending

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return balance, nil
}

func (r *PostgresRepository) ActivateOrder(ctx context.Context, orderID uuid.UUID, phoneNumber, externalOrderID string, expiresAt time.Time) (*domain.Order, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE orders
		SET status = 'active', phone_number = $2, external_order_id = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+orderColumns,
		orderID, phoneNumber, externalOrderID, expiresAt,
	)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFoundf("pending order %s", orderID)
	}
	return o, err
}

func (r *PostgresRepository) RefundPendingOrder(ctx context.Context, orderID uuid.UUID) (*domain.Balance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var userID uuid.UUID
	var currency string
	var amount int64
	err = tx.QueryRow(ctx,
		"DELETE FROM orders WHERE id = $1 AND status = 'pending' RETURNING user_id, currency, amount_paid",
		orderID,
	).Scan(&userID, &currency, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("pending order %s", orderID)
		}
		return nil, err
	}

	balance, err := creditTx(ctx, tx, userID, currency, amount, domain.EntryOrderRefund, orderID.String())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return balance, nil
}

func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFoundf("order %s", orderID)
		}
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) ExpireOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.Order, bool, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE orders SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expires_at < $2
		RETURNING `+orderColumns,
		orderID, now,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, findErr := r.FindOrderByID(ctx, orderID)
			return current, false, findErr
		}
		return nil, false, err
	}
	return o, true, nil
}

func (r *PostgresRepository) ExtendOrder(ctx context.Context, orderID uuid.UUID, now time.Time, by time.Duration) (*domain.Order, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE orders SET expires_at = expires_at + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND expires_at > $2
		RETURNING `+orderColumns,
		orderID, now, by.Seconds(),
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, findErr := r.FindOrderByID(ctx, orderID); findErr != nil {
				return nil, findErr
			}
			return nil, domain.ExpiredResourcef("order %s cannot be extended", orderID)
		}
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) StoreVerificationCode(ctx context.Context, orderID uuid.UUID, code string, now time.Time) (*domain.Order, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE orders SET verification_code = $2, status = 'completed', updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'completed') AND expires_at > $3
		RETURNING `+orderColumns,
		orderID, code, now,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, findErr := r.FindOrderByID(ctx, orderID); findErr != nil {
				return nil, findErr
			}
			return nil, domain.ExpiredResourcef("order %s is no longer receiving codes", orderID)
		}
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.Order, *domain.Balance, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE orders SET status = 'expired', updated_at = NOW()
		WHERE id = $1 AND status = 'active' AND verification_code IS NULL AND expires_at > $2
		RETURNING `+orderColumns,
		orderID, now,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, findErr := r.FindOrderByID(ctx, orderID); findErr != nil {
				return nil, nil, findErr
			}
			return nil, nil, domain.ExpiredResourcef("order %s can no longer be cancelled", orderID)
		}
		return nil, nil, err
	}

	balance, err := creditTx(ctx, tx, o.UserID, o.Currency, o.AmountPaid, domain.EntryOrderCancelRefund, o.ID.String())
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return o, balance, nil
}

func (r *PostgresRepository) ListOverdueOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending', 'active') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	err := row.Scan(
		&p.ID, &p.UserID, &p.Reference, &p.Provider, &p.ExternalTxID, &p.Amount, &p.Currency, &status, &p.RedirectURL,
		&p.CreditCurrency, &p.CreditAmount, &p.RateSnapshot, &p.MarkupPercent, &p.VATPercent,
		&p.PollAttempts, &p.LastPolledAt, &p.FailureReason, &p.WebhookReceivedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(
		&o.ID, &o.UserID, &o.ServiceID, &o.CountryID, &o.PhoneNumber, &o.ExternalOrderID, &status,
		&o.AmountPaid, &o.Currency, &o.ExpiresAt, &o.VerificationCode, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}
