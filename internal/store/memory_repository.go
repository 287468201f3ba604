package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

type balanceKey struct {
	userID   uuid.UUID
	currency string
}

type entryKey struct {
	kind      domain.EntryKind
	reference string
}

// MemoryRepository keeps everything in maps behind a single mutex. Every method is one
// critical section, which gives the same all-or-nothing behaviour the postgres driver gets
// from a transaction. Used for local development and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	balances map[balanceKey]*domain.Balance
	entries  map[entryKey]domain.LedgerEntry
	payments map[string]*domain.Payment
	orders   map[uuid.UUID]*domain.Order
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		balances: make(map[balanceKey]*domain.Balance),
		entries:  make(map[entryKey]domain.LedgerEntry),
		payments: make(map[string]*domain.Payment),
		orders:   make(map[uuid.UUID]*domain.Order),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source used for created_at and updated_at.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Entries returns a copy of the ledger, oldest first.
func (r *MemoryRepository) Entries() []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) GetBalance(_ context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.balances[balanceKey{userID, currency}]; ok {
		copied := *b
		return &copied, nil
	}
	return &domain.Balance{UserID: userID, Currency: currency, UpdatedAt: r.now()}, nil
}

func (r *MemoryRepository) ListBalances(_ context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Balance
	for key, b := range r.balances {
		if key.userID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (r *MemoryRepository) CreditBalance(_ context.Context, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creditLocked(userID, currency, amount, kind, reference)
}

func (r *MemoryRepository) DebitBalance(_ context.Context, userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debitLocked(userID, currency, amount, kind, reference)
}

func (r *MemoryRepository) hasEntryLocked(kind domain.EntryKind, reference string) bool {
	_, ok := r.entries[entryKey{kind, reference}]
	return ok
}

func (r *MemoryRepository) recordEntryLocked(userID uuid.UUID, currency string, delta int64, kind domain.EntryKind, reference string) {
	r.entries[entryKey{kind, reference}] = domain.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Delta:     delta,
		Kind:      kind,
		Reference: reference,
		CreatedAt: r.now(),
	}
}

func (r *MemoryRepository) creditLocked(userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	if r.hasEntryLocked(kind, reference) {
		return nil, domain.ErrDuplicateEvent
	}
	key := balanceKey{userID, currency}
	b, ok := r.balances[key]
	if !ok {
		b = &domain.Balance{UserID: userID, Currency: currency}
		r.balances[key] = b
	}
	b.Amount += amount
	b.UpdatedAt = r.now()
	r.recordEntryLocked(userID, currency, amount, kind, reference)
	copied := *b
	return &copied, nil
}

func (r *MemoryRepository) debitLocked(userID uuid.UUID, currency string, amount int64, kind domain.EntryKind, reference string) (*domain.Balance, error) {
	key := balanceKey{userID, currency}
	var current int64
	if b, ok := r.balances[key]; ok {
		current = b.Amount
	}
	if current < amount {
		return nil, &domain.InsufficientBalanceError{Currency: currency, Current: current, Required: amount}
	}
	if r.hasEntryLocked(kind, reference) {
		return nil, domain.ErrDuplicateEvent
	}
	b, ok := r.balances[key]
	if !ok {
		b = &domain.Balance{UserID: userID, Currency: currency}
		r.balances[key] = b
	}
	b.Amount -= amount
	b.UpdatedAt = r.now()
	r.recordEntryLocked(userID, currency, -amount, kind, reference)
	copied := *b
	return &copied, nil
}

func (r *MemoryRepository) CreatePayment(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.Reference]; exists {
		return domain.ValidationErrorf("payment reference %s already exists", p.Reference)
	}
	now := r.now()
	p.CreatedAt, p.UpdatedAt = now, now
	copied := *p
	r.payments[p.Reference] = &copied
	return nil
}

func (r *MemoryRepository) FindPaymentByReference(_ context.Context, reference string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paymentLocked(reference)
}

func (r *MemoryRepository) paymentLocked(reference string) (*domain.Payment, error) {
	p, ok := r.payments[reference]
	if !ok {
		return nil, domain.NotFoundf("payment %s", reference)
	}
	copied := *p
	return &copied, nil
}

func (r *MemoryRepository) MarkPaymentInitiated(_ context.Context, reference, providerReference, redirectURL string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[reference]
	if !ok {
		return nil, domain.NotFoundf("payment %s", reference)
	}
	if p.Status == domain.PaymentPending {
		p.Status = domain.PaymentInitiated
		if providerReference != "" {
			p.ExternalTxID = &providerReference
		}
		if redirectURL != "" {
			p.RedirectURL = &redirectURL
		}
		p.UpdatedAt = r.now()
	}
	copied := *p
	return &copied, nil
}

func (r *MemoryRepository) CompletePayment(_ context.Context, reference, providerTxID string, receivedAt *time.Time) (*domain.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[reference]
	if !ok {
		return nil, false, domain.NotFoundf("payment %s", reference)
	}
	if p.Status.IsTerminal() {
		copied := *p
		return &copied, false, nil
	}
	if _, err := r.creditLocked(p.UserID, p.CreditCurrency, p.CreditAmount, domain.EntryPaymentCredit, p.Reference); err != nil {
		return nil, false, err
	}
	p.Status = domain.PaymentCompleted
	if providerTxID != "" {
		p.ExternalTxID = &providerTxID
	}
	if receivedAt != nil {
		at := *receivedAt
		p.WebhookReceivedAt = &at
	}
	p.UpdatedAt = r.now()
	copied := *p
	return &copied, true, nil
}

func (r *MemoryRepository) FailPayment(_ context.Context, reference, reason string, receivedAt *time.Time) (*domain.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[reference]
	if !ok {
		return nil, false, domain.NotFoundf("payment %s", reference)
	}
	if p.Status.IsTerminal() {
		copied := *p
		return &copied, false, nil
	}
	p.Status = domain.PaymentFailed
	p.FailureReason = &reason
	if receivedAt != nil {
		at := *receivedAt
		p.WebhookReceivedAt = &at
	}
	p.UpdatedAt = r.now()
	copied := *p
	return &copied, true, nil
}

func (r *MemoryRepository) ListStalePayments(_ context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Payment
	for _, p := range r.payments {
		if !p.Status.IsTerminal() && !p.CreatedAt.After(olderThan) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) RecordPollAttempt(_ context.Context, reference string, at time.Time) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[reference]
	if !ok {
		return nil, domain.NotFoundf("payment %s", reference)
	}
	p.PollAttempts++
	polled := at
	p.LastPolledAt = &polled
	p.UpdatedAt = r.now()
	copied := *p
	return &copied, nil
}

func (r *MemoryRepository) CreatePendingOrder(_ context.Context, order *domain.Order) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return nil, domain.ValidationErrorf("order %s already exists", order.ID)
	}
	balance, err := r.debitLocked(order.UserID, order.Currency, order.AmountPaid, domain.EntryOrderDebit, order.ID.String())
	if err != nil {
		return nil, err
	}
	now := r.now()
	order.Status = domain.OrderPending
	order.CreatedAt, order.UpdatedAt = now, now
	copied := *order
	r.orders[order.ID] = &copied
	return balance, nil
}

func (r *MemoryRepository) ActivateOrder(_ context.Context, orderID uuid.UUID, phoneNumber, externalOrderID string, expiresAt time.Time) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok || o.Status != domain.OrderPending {
		return nil, domain.NotFoundf("pending order %s", orderID)
	}
	o.Status = domain.OrderActive
	o.PhoneNumber = phoneNumber
	o.ExternalOrderID = externalOrderID
	o.ExpiresAt = expiresAt
	o.UpdatedAt = r.now()
	copied := *o
	return &copied, nil
}

func (r *MemoryRepository) RefundPendingOrder(_ context.Context, orderID uuid.UUID) (*domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok || o.Status != domain.OrderPending {
		return nil, domain.NotFoundf("pending order %s", orderID)
	}
	balance, err := r.creditLocked(o.UserID, o.Currency, o.AmountPaid, domain.EntryOrderRefund, orderID.String())
	if err != nil {
		return nil, err
	}
	delete(r.orders, orderID)
	return balance, nil
}

func (r *MemoryRepository) FindOrderByID(_ context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, domain.NotFoundf("order %s", orderID)
	}
	copied := *o
	return &copied, nil
}

func (r *MemoryRepository) ExpireOrder(_ context.Context, orderID uuid.UUID, now time.Time) (*domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, false, domain.NotFoundf("order %s", orderID)
	}
	changed := false
	if o.CanExpire() && o.IsOverdue(now) {
		o.Status = domain.OrderExpired
		o.UpdatedAt = r.now()
		changed = true
	}
	copied := *o
	return &copied, changed, nil
}

func (r *MemoryRepository) ExtendOrder(_ context.Context, orderID uuid.UUID, now time.Time, by time.Duration) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, domain.NotFoundf("order %s", orderID)
	}
	if o.Status != domain.OrderActive || !o.ExpiresAt.After(now) {
		return nil, domain.ExpiredResourcef("order %s cannot be extended", orderID)
	}
	o.ExpiresAt = o.ExpiresAt.Add(by)
	o.UpdatedAt = r.now()
	copied := *o
	return &copied, nil
}

func (r *MemoryRepository) StoreVerificationCode(_ context.Context, orderID uuid.UUID, code string, now time.Time) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, domain.NotFoundf("order %s", orderID)
	}
	if (o.Status != domain.OrderActive && o.Status != domain.OrderCompleted) || !o.ExpiresAt.After(now) {
		return nil, domain.ExpiredResourcef("order %s is no longer receiving codes", orderID)
	}
	o.VerificationCode = &code
	o.Status = domain.OrderCompleted
	o.UpdatedAt = r.now()
	copied := *o
	return &copied, nil
}

func (r *MemoryRepository) CancelOrder(_ context.Context, orderID uuid.UUID, now time.Time) (*domain.Order, *domain.Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return nil, nil, domain.NotFoundf("order %s", orderID)
	}
	if o.Status != domain.OrderActive || o.VerificationCode != nil || !o.ExpiresAt.After(now) {
		return nil, nil, domain.ExpiredResourcef("order %s can no longer be cancelled", orderID)
	}
	balance, err := r.creditLocked(o.UserID, o.Currency, o.AmountPaid, domain.EntryOrderCancelRefund, orderID.String())
	if err != nil {
		return nil, nil, err
	}
	o.Status = domain.OrderExpired
	o.UpdatedAt = r.now()
	copied := *o
	return &copied, balance, nil
}

func (r *MemoryRepository) ListOverdueOrders(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Order
	for _, o := range r.orders {
		if o.NeedsSettlement(now) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
