package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

func newTestPayment(userID uuid.UUID, reference string, credit int64) *domain.Payment {
	return &domain.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		Reference:      reference,
		Provider:       "flutterwave",
		Amount:         credit,
		Currency:       "USD",
		Status:         domain.PaymentPending,
		CreditCurrency: "USD",
		CreditAmount:   credit,
		RateSnapshot:   decimal.NewFromInt(1),
	}
}

func TestMemoryRepository_DebitInsufficientLeavesBalance(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()

	if _, err := repo.CreditBalance(ctx, userID, "USD", 100, domain.EntryAdjustmentCredit, "seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := repo.DebitBalance(ctx, userID, "USD", 150, domain.EntryAdjustmentDebit, "d1")
	var insufficient *domain.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Shortfall() != 50 {
		t.Fatalf("expected shortfall 50, got %d", insufficient.Shortfall())
	}

	balance, _ := repo.GetBalance(ctx, userID, "USD")
	if balance.Amount != 100 {
		t.Fatalf("expected balance untouched at 100, got %d", balance.Amount)
	}
}

func TestMemoryRepository_CreditIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()

	if _, err := repo.CreditBalance(ctx, userID, "USD", 100, domain.EntryAdjustmentCredit, "k1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := repo.CreditBalance(ctx, userID, "USD", 100, domain.EntryAdjustmentCredit, "k1"); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	balance, _ := repo.GetBalance(ctx, userID, "USD")
	if balance.Amount != 100 {
		t.Fatalf("expected 100, got %d", balance.Amount)
	}
	if len(repo.Entries()) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(repo.Entries()))
	}
}

func TestMemoryRepository_CompletePaymentCreditsOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()

	if err := repo.CreatePayment(ctx, newTestPayment(userID, "ref-1", 500)); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, err := repo.CompletePayment(ctx, "ref-1", "tx-1", nil)
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	balance, _ := repo.GetBalance(ctx, userID, "USD")
	if balance.Amount != 500 {
		t.Fatalf("expected single credit of 500, got %d", balance.Amount)
	}

	// A failure arriving after completion loses the compare-and-set.
	p, won, err := repo.FailPayment(ctx, "ref-1", "late", nil)
	if err != nil || won {
		t.Fatalf("expected failed CAS without error, got won=%v err=%v", won, err)
	}
	if p.Status != domain.PaymentCompleted {
		t.Fatalf("expected status to remain completed, got %s", p.Status)
	}
}

func TestMemoryRepository_ListStalePayments(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	repo.SetClock(func() time.Time { return clock })

	userID := uuid.New()
	_ = repo.CreatePayment(ctx, newTestPayment(userID, "old", 10))
	clock = base.Add(10 * time.Minute)
	_ = repo.CreatePayment(ctx, newTestPayment(userID, "new", 10))
	_ = repo.CreatePayment(ctx, newTestPayment(userID, "done", 10))
	_, _, _ = repo.CompletePayment(ctx, "done", "", nil)

	stale, err := repo.ListStalePayments(ctx, base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].Reference != "old" {
		t.Fatalf("expected only the old payment, got %+v", stale)
	}
}

func TestMemoryRepository_OrderLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, _ = repo.CreditBalance(ctx, userID, "USD", 1000, domain.EntryAdjustmentCredit, "seed")

	order := &domain.Order{ID: uuid.New(), UserID: userID, ServiceID: "wa", CountryID: "0", AmountPaid: 300, Currency: "USD", ExpiresAt: now.Add(20 * time.Minute)}
	balance, err := repo.CreatePendingOrder(ctx, order)
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if balance.Amount != 700 {
		t.Fatalf("expected 700 after debit, got %d", balance.Amount)
	}

	if _, err := repo.ActivateOrder(ctx, order.ID, "+237600000000", "ext-1", now.Add(20*time.Minute)); err != nil {
		t.Fatalf("activate: %v", err)
	}

	extended, err := repo.ExtendOrder(ctx, order.ID, now.Add(5*time.Minute), 10*time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !extended.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expected expiry at +30m, got %s", extended.ExpiresAt)
	}

	late := now.Add(31 * time.Minute)
	if _, err := repo.ExtendOrder(ctx, order.ID, late, 10*time.Minute); !errors.Is(err, domain.ErrExpiredResource) {
		t.Fatalf("expected ErrExpiredResource, got %v", err)
	}
	expired, changed, err := repo.ExpireOrder(ctx, order.ID, late)
	if err != nil || !changed || expired.Status != domain.OrderExpired {
		t.Fatalf("expected expiry, got changed=%v status=%v err=%v", changed, expired, err)
	}
	if _, changed, _ := repo.ExpireOrder(ctx, order.ID, late); changed {
		t.Fatalf("expected second expiry to be a no-op")
	}
	if _, err := repo.StoreVerificationCode(ctx, order.ID, "123456", late); !errors.Is(err, domain.ErrExpiredResource) {
		t.Fatalf("expected ErrExpiredResource for code on expired order, got %v", err)
	}
}

func TestMemoryRepository_RefundPendingOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()
	_, _ = repo.CreditBalance(ctx, userID, "USD", 500, domain.EntryAdjustmentCredit, "seed")

	order := &domain.Order{ID: uuid.New(), UserID: userID, AmountPaid: 500, Currency: "USD", ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := repo.CreatePendingOrder(ctx, order); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	balance, err := repo.RefundPendingOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if balance.Amount != 500 {
		t.Fatalf("expected balance restored to 500, got %d", balance.Amount)
	}
	if _, err := repo.FindOrderByID(ctx, order.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected pending order to be removed, got %v", err)
	}
	if _, err := repo.RefundPendingOrder(ctx, order.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected second refund to fail with not found, got %v", err)
	}
}

func TestMemoryRepository_OverduePendingOrderIsNeverExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	_, _ = repo.CreditBalance(ctx, userID, "USD", 300, domain.EntryAdjustmentCredit, "seed")

	order := &domain.Order{ID: uuid.New(), UserID: userID, AmountPaid: 300, Currency: "USD", ExpiresAt: now.Add(20 * time.Minute)}
	if _, err := repo.CreatePendingOrder(ctx, order); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	late := now.Add(21 * time.Minute)

	overdue, err := repo.ListOverdueOrders(ctx, late, 10)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].Status != domain.OrderPending {
		t.Fatalf("expected the stranded pending order to be listed, got %+v", overdue)
	}
	current, changed, err := repo.ExpireOrder(ctx, order.ID, late)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if changed || current.Status != domain.OrderPending {
		t.Fatalf("expected pending order to stay pending, got changed=%v status=%s", changed, current.Status)
	}
	balance, err := repo.RefundPendingOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if balance.Amount != 300 {
		t.Fatalf("expected balance restored to 300, got %d", balance.Amount)
	}
}

func TestMemoryRepository_CancelOrderRefundsOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	userID := uuid.New()
	now := time.Now().UTC()
	_, _ = repo.CreditBalance(ctx, userID, "USD", 500, domain.EntryAdjustmentCredit, "seed")

	order := &domain.Order{ID: uuid.New(), UserID: userID, AmountPaid: 200, Currency: "USD", ExpiresAt: now.Add(20 * time.Minute)}
	_, _ = repo.CreatePendingOrder(ctx, order)
	_, _ = repo.ActivateOrder(ctx, order.ID, "+1", "ext", now.Add(20*time.Minute))

	cancelled, balance, err := repo.CancelOrder(ctx, order.ID, now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderExpired || balance.Amount != 500 {
		t.Fatalf("expected expired order and refunded balance, got %s %d", cancelled.Status, balance.Amount)
	}
	if _, _, err := repo.CancelOrder(ctx, order.ID, now); !errors.Is(err, domain.ErrExpiredResource) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
	final, _ := repo.GetBalance(ctx, userID, "USD")
	if final.Amount != 500 {
		t.Fatalf("expected balance 500 after single refund, got %d", final.Amount)
	}
}
