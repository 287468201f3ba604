package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/ledger"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
)

type reconcilerFixture struct {
	repo       *store.MemoryRepository
	gw         *stubGateway
	publisher  *recordingPublisher
	reconciler *Reconciler
}

func newReconcilerFixture(cfg ReconcilerConfig) *reconcilerFixture {
	repo := store.NewMemoryRepository()
	gw := &stubGateway{name: "campay", currencies: []string{"XAF"}}
	pub := &recordingPublisher{}
	r := NewReconciler(repo, ledger.New(repo, nil), gateway.NewRegistry(gw), pub, cfg, nil)
	return &reconcilerFixture{repo: repo, gw: gw, publisher: pub, reconciler: r}
}

func (f *reconcilerFixture) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	b, err := f.repo.GetBalance(context.Background(), userID, "USD")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b.Amount
}

func successEvent(reference string) *domain.PaymentEvent {
	return &domain.PaymentEvent{Reference: reference, Provider: "campay", Status: domain.EventSuccess, Amount: 1000, Currency: "XAF", ProviderTxID: "tx-1"}
}

func TestOnWebhook_ReplayCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	userID := uuid.New()
	if err := f.repo.CreatePayment(ctx, newPayment(userID, "ref-1", "campay", 1000, "XAF", 165)); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	outcome, err := f.reconciler.OnWebhook(ctx, successEvent("ref-1"))
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}
	for i := 0; i < 3; i++ {
		outcome, err = f.reconciler.OnWebhook(ctx, successEvent("ref-1"))
		if err != nil || outcome != OutcomeDuplicate {
			t.Fatalf("expected duplicate on replay %d, got %s (%v)", i, outcome, err)
		}
	}

	if got := f.balance(t, userID); got != 165 {
		t.Fatalf("expected balance 165, got %d", got)
	}
	if n := f.publisher.count(domain.EventPaymentCompleted); n != 1 {
		t.Fatalf("expected one completion event, got %d", n)
	}
}

func TestOnWebhook_FailureAfterSuccessIsDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	userID := uuid.New()
	_ = f.repo.CreatePayment(ctx, newPayment(userID, "ref-2", "campay", 1000, "XAF", 165))

	if _, err := f.reconciler.OnWebhook(ctx, successEvent("ref-2")); err != nil {
		t.Fatalf("OnWebhook: %v", err)
	}
	failed := &domain.PaymentEvent{Reference: "ref-2", Provider: "campay", Status: domain.EventFailed}
	outcome, err := f.reconciler.OnWebhook(ctx, failed)
	if err != nil || outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s (%v)", outcome, err)
	}
	p, _ := f.repo.FindPaymentByReference(ctx, "ref-2")
	if p.Status != domain.PaymentCompleted {
		t.Fatalf("terminal status changed to %s", p.Status)
	}
}

func TestOnWebhook_RejectsMismatchedAmountOrCurrency(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	userID := uuid.New()
	_ = f.repo.CreatePayment(ctx, newPayment(userID, "ref-3", "campay", 1000, "XAF", 165))

	tests := []struct {
		name  string
		event *domain.PaymentEvent
	}{
		{"amount", &domain.PaymentEvent{Reference: "ref-3", Status: domain.EventSuccess, Amount: 999, Currency: "XAF"}},
		{"currency", &domain.PaymentEvent{Reference: "ref-3", Status: domain.EventSuccess, Amount: 1000, Currency: "XOF"}},
		{"provider", &domain.PaymentEvent{Reference: "ref-3", Provider: "flutterwave", Status: domain.EventSuccess, Amount: 1000, Currency: "XAF"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.reconciler.OnWebhook(ctx, tt.event); !errors.Is(err, domain.ErrProviderRejected) {
				t.Fatalf("expected ProviderRejected, got %v", err)
			}
		})
	}
	if got := f.balance(t, userID); got != 0 {
		t.Fatalf("expected no credit, got %d", got)
	}
}

func TestOnWebhook_UnknownReference(t *testing.T) {
	f := newReconcilerFixture(ReconcilerConfig{})
	if _, err := f.reconciler.OnWebhook(context.Background(), successEvent("missing")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestConcurrentWebhooksAndPollCreditOnce(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{Concurrency: 4})
	f.gw.verify = func(gateway.VerifyRequest) (*gateway.VerifyResult, error) {
		return &gateway.VerifyResult{Status: domain.EventSuccess, Amount: 1000, Currency: "XAF", ProviderTxID: "tx-1"}, nil
	}
	userID := uuid.New()
	_ = f.repo.CreatePayment(ctx, newPayment(userID, "ref-4", "campay", 1000, "XAF", 165))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.reconciler.OnWebhook(ctx, successEvent("ref-4")); err != nil {
				t.Errorf("OnWebhook: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.reconciler.PollPending(ctx); err != nil {
				t.Errorf("PollPending: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.balance(t, userID); got != 165 {
		t.Fatalf("expected a single credit of 165, got %d", got)
	}
	if n := f.publisher.count(domain.EventPaymentCompleted); n != 1 {
		t.Fatalf("expected one completion event, got %d", n)
	}
}

func TestPollPending_ExhaustsAttemptBudget(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{MaxAttempts: 3, MaxAge: time.Hour})
	userID := uuid.New()
	_ = f.repo.CreatePayment(ctx, newPayment(userID, "ref-5", "campay", 1000, "XAF", 165))

	for i := 0; i < 2; i++ {
		summary, err := f.reconciler.PollPending(ctx)
		if err != nil {
			t.Fatalf("PollPending: %v", err)
		}
		if summary.Pending != 1 {
			t.Fatalf("sweep %d: expected pending, got %+v", i, summary)
		}
	}
	summary, err := f.reconciler.PollPending(ctx)
	if err != nil {
		t.Fatalf("PollPending: %v", err)
	}
	if summary.Exhausted != 1 {
		t.Fatalf("expected exhaustion on third sweep, got %+v", summary)
	}

	p, _ := f.repo.FindPaymentByReference(ctx, "ref-5")
	if p.Status != domain.PaymentFailed || p.FailureReason == nil || *p.FailureReason != ReasonPollBudgetExhausted {
		t.Fatalf("expected failed/%s, got %s/%v", ReasonPollBudgetExhausted, p.Status, p.FailureReason)
	}
	if got := f.balance(t, userID); got != 0 {
		t.Fatalf("expected no credit, got %d", got)
	}
	if summary, _ := f.reconciler.PollPending(ctx); summary.Checked != 0 {
		t.Fatalf("terminal payment polled again: %+v", summary)
	}
}

func TestPollPending_FailsPaymentsPastMaxAge(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{MaxAttempts: 100, MaxAge: time.Hour})
	created := time.Now().UTC().Add(-2 * time.Hour)
	f.repo.SetClock(func() time.Time { return created })
	p := newPayment(uuid.New(), "ref-6", "campay", 1000, "XAF", 165)
	p.Status = domain.PaymentPending
	_ = f.repo.CreatePayment(ctx, p)

	if _, err := f.reconciler.PollPending(ctx); err != nil {
		t.Fatalf("PollPending: %v", err)
	}
	got, _ := f.repo.FindPaymentByReference(ctx, "ref-6")
	if got.Status != domain.PaymentFailed {
		t.Fatalf("expected stale pending payment to fail, got %s", got.Status)
	}
}

func TestPollPending_AppliesProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	f.gw.verify = func(gateway.VerifyRequest) (*gateway.VerifyResult, error) {
		return &gateway.VerifyResult{Status: domain.EventFailed, Reason: "declined"}, nil
	}
	_ = f.repo.CreatePayment(ctx, newPayment(uuid.New(), "ref-7", "campay", 1000, "XAF", 165))

	summary, err := f.reconciler.PollPending(ctx)
	if err != nil || summary.Failed != 1 {
		t.Fatalf("expected one failure, got %+v (%v)", summary, err)
	}
	if n := f.publisher.count(domain.EventPaymentFailed); n != 1 {
		t.Fatalf("expected one failure event, got %d", n)
	}
}

func relayMessage(t *testing.T, provider string, body []byte) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.RelayedWebhook{Provider: provider, Headers: map[string]string{"X-Signature": "ok"}, Body: body})
	if err != nil {
		t.Fatalf("marshal relay: %v", err)
	}
	return raw
}

func TestHandleRelayedWebhook(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	f.gw.parse = func(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
		if headers.Get("X-Signature") != "ok" || string(payload) != "paid" {
			return nil, domain.ProviderRejectedf("bad signature")
		}
		return successEvent("ref-8"), nil
	}
	userID := uuid.New()
	_ = f.repo.CreatePayment(ctx, newPayment(userID, "ref-8", "campay", 1000, "XAF", 165))

	if !f.reconciler.HandleRelayedWebhook(relayMessage(t, "campay", []byte("forged"))) {
		t.Fatalf("expected bad signature to be acknowledged and dropped")
	}
	if got := f.balance(t, userID); got != 0 {
		t.Fatalf("forged webhook credited %d", got)
	}
	if !f.reconciler.HandleRelayedWebhook([]byte("{not json")) {
		t.Fatalf("expected malformed message to be dropped")
	}
	if !f.reconciler.HandleRelayedWebhook(relayMessage(t, "unknown", []byte("paid"))) {
		t.Fatalf("expected unknown provider to be dropped")
	}
	if !f.reconciler.HandleRelayedWebhook(relayMessage(t, "campay", []byte("paid"))) {
		t.Fatalf("expected relayed webhook to be applied")
	}
	if !f.reconciler.HandleRelayedWebhook(relayMessage(t, "campay", []byte("paid"))) {
		t.Fatalf("expected duplicate relay to be acknowledged")
	}
	if got := f.balance(t, userID); got != 165 {
		t.Fatalf("expected balance 165, got %d", got)
	}
}

type failingCompleteRepo struct {
	store.Repository
}

func (r failingCompleteRepo) CompletePayment(context.Context, string, string, *time.Time) (*domain.Payment, bool, error) {
	return nil, false, errors.New("connection reset")
}

func TestHandleRelayedWebhook_RequeuesTransientFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryRepository()
	_ = mem.CreatePayment(ctx, newPayment(uuid.New(), "ref-9", "campay", 1000, "XAF", 165))
	repo := failingCompleteRepo{Repository: mem}
	gw := &stubGateway{name: "campay", currencies: []string{"XAF"}, parse: func([]byte, http.Header) (*domain.PaymentEvent, error) {
		return successEvent("ref-9"), nil
	}}
	r := NewReconciler(repo, ledger.New(repo, nil), gateway.NewRegistry(gw), nil, ReconcilerConfig{}, nil)

	if r.HandleRelayedWebhook(relayMessage(t, "campay", []byte("paid"))) {
		t.Fatalf("expected transient failure to requeue")
	}
}

func TestOnWebhook_UnboundSignatureIsConfirmedWithProvider(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	userID := uuid.New()
	if err := f.repo.CreatePayment(ctx, newPayment(userID, "ref-unbound", "campay", 1000, "XAF", 165)); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	forged := successEvent("ref-unbound")
	forged.ConfirmWithProvider = true
	outcome, err := f.reconciler.OnWebhook(ctx, forged)
	if err != nil || outcome != OutcomePending {
		t.Fatalf("expected pending while the provider has not settled, got %s %v", outcome, err)
	}
	if got := f.balance(t, userID); got != 0 {
		t.Fatalf("expected no credit from an unconfirmed event, got %d", got)
	}

	f.gw.verify = func(gateway.VerifyRequest) (*gateway.VerifyResult, error) {
		return &gateway.VerifyResult{Status: domain.EventSuccess, Amount: 1000, Currency: "XAF", ProviderTxID: "tx-1"}, nil
	}
	outcome, err = f.reconciler.OnWebhook(ctx, forged)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completion once the provider confirms, got %s %v", outcome, err)
	}
	if got := f.balance(t, userID); got != 165 {
		t.Fatalf("expected 165, got %d", got)
	}
	if f.gw.verifyCalls != 2 {
		t.Fatalf("expected two verify calls, got %d", f.gw.verifyCalls)
	}
}
