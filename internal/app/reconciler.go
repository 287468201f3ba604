/**
 * @description
 * Reconciler turns provider truth into payment state. Webhooks and the polling sweep both end
 * in the same compare-and-set on payments.status; only the caller that wins it credits the
 * balance or publishes the lifecycle event, so at-least-once delivery and concurrent paths
 * never credit twice.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: bounded concurrency for the poll sweep.
 * - go.uber.org/zap: structured logging.
 * - internal/gateway: provider adapters.
 * - internal/ledger: settlement.
 * - pkg/events: lifecycle events.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/ledger"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/events"
)

const (
	ReasonPollBudgetExhausted = "poll_budget_exhausted"
	reasonProviderFailure     = "provider_reported_failure"
	relayHandleTimeout        = 15 * time.Second
	defaultPollBatchSize      = 50
	defaultPollConcurrency    = 4
	defaultPollMaxAttempts    = 12
)

// Outcome is how a provider event was applied.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomePending   Outcome = "pending"
)

type ReconcilerConfig struct {
	PollMinAge  time.Duration
	MaxAttempts int
	BatchSize   int
	Concurrency int
	// MaxAge fails any payment still open this long after creation.
	MaxAge time.Duration
}

type Reconciler struct {
	repo      store.Repository
	ledger    *ledger.Ledger
	gateways  *gateway.Registry
	publisher events.Publisher
	cfg       ReconcilerConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(repo store.Repository, l *ledger.Ledger, gateways *gateway.Registry, publisher events.Publisher, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{Logger: logger}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultPollBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultPollConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultPollMaxAttempts
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &Reconciler{
		repo:      repo,
		ledger:    l,
		gateways:  gateways,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessWebhook authenticates a raw provider webhook and applies it.
func (r *Reconciler) ProcessWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error) {
	g, err := r.gateways.Get(provider)
	if err != nil {
		return "", err
	}
	event, err := g.ParseWebhook(payload, headers)
	if err != nil {
		return "", err
	}
	event.Provider = g.Name()
	return r.OnWebhook(ctx, event)
}

// OnWebhook applies an authenticated provider event. A payment that is already terminal, or
// that another caller finalises first, yields OutcomeDuplicate with a nil error.
func (r *Reconciler) OnWebhook(ctx context.Context, event *domain.PaymentEvent) (Outcome, error) {
	if event == nil || event.Reference == "" {
		return "", domain.ValidationErrorf("payment event has no reference")
	}
	payment, err := r.repo.FindPaymentByReference(ctx, event.Reference)
	if err != nil {
		return "", err
	}
	if event.Provider != "" && domain.NormalizeProvider(event.Provider) != payment.Provider {
		return "", domain.ProviderRejectedf("event from %s for a %s payment", event.Provider, payment.Provider)
	}
	if payment.Status.IsTerminal() {
		r.logger.Info("duplicate payment event ignored",
			zap.String("reference", payment.Reference),
			zap.String("status", string(payment.Status)),
			zap.String("event_status", string(event.Status)),
		)
		return OutcomeDuplicate, nil
	}
	if event.ConfirmWithProvider && event.Status != domain.EventPending {
		r.logger.Info("payment event confirmed with provider before applying",
			zap.String("reference", payment.Reference),
			zap.String("event_status", string(event.Status)),
		)
		return r.verify(ctx, payment)
	}

	receivedAt := r.now()
	switch event.Status {
	case domain.EventSuccess:
		if err := matchAmount(payment, event, true); err != nil {
			r.logger.Error("payment event rejected", zap.String("reference", payment.Reference), zap.Error(err))
			return "", err
		}
		return r.complete(ctx, payment.Reference, event.ProviderTxID, &receivedAt)
	case domain.EventFailed:
		reason := event.Reason
		if reason == "" {
			reason = reasonProviderFailure
		}
		return r.fail(ctx, payment.Reference, reason, &receivedAt)
	default:
		return OutcomePending, nil
	}
}

// matchAmount checks the provider-reported amount against the payment. Verify answers may
// omit the amount (zero), which lenient mode accepts.
func matchAmount(payment *domain.Payment, event *domain.PaymentEvent, strict bool) error {
	currency := domain.NormalizeCurrency(event.Currency)
	if currency == "" && !strict {
		return nil
	}
	if currency != payment.Currency {
		return domain.ProviderRejectedf("currency mismatch for %s: expected %s, got %s", payment.Reference, payment.Currency, currency)
	}
	if event.Amount == 0 && !strict {
		return nil
	}
	if event.Amount != payment.Amount {
		return domain.ProviderRejectedf("amount mismatch for %s: expected %d, got %d", payment.Reference, payment.Amount, event.Amount)
	}
	return nil
}

func (r *Reconciler) complete(ctx context.Context, reference, providerTxID string, receivedAt *time.Time) (Outcome, error) {
	payment, won, err := r.ledger.SettlePayment(ctx, reference, providerTxID, receivedAt)
	if err != nil {
		return "", fmt.Errorf("settle payment %s: %w", reference, err)
	}
	if !won {
		return OutcomeDuplicate, nil
	}
	r.publish(ctx, domain.EventPaymentCompleted, domain.NewPaymentStatusChanged(payment, r.now()))
	return OutcomeCompleted, nil
}

func (r *Reconciler) fail(ctx context.Context, reference, reason string, receivedAt *time.Time) (Outcome, error) {
	payment, won, err := r.repo.FailPayment(ctx, reference, reason, receivedAt)
	if err != nil {
		return "", fmt.Errorf("fail payment %s: %w", reference, err)
	}
	if !won {
		return OutcomeDuplicate, nil
	}
	r.logger.Info("payment failed", zap.String("reference", reference), zap.String("reason", reason))
	r.publish(ctx, domain.EventPaymentFailed, domain.NewPaymentStatusChanged(payment, r.now()))
	return OutcomeFailed, nil
}

func (r *Reconciler) publish(ctx context.Context, routingKey string, event interface{}) {
	if err := r.publisher.Publish(ctx, routingKey, event); err != nil {
		r.logger.Warn("event publish failed", zap.String("event", routingKey), zap.Error(err))
	}
}

// HandleRelayedWebhook consumes a webhook forwarded over the broker. It returns false only for
// transient failures so the delivery is requeued; bad signatures and unknown payments are dropped.
func (r *Reconciler) HandleRelayedWebhook(body []byte) bool {
	var msg domain.RelayedWebhook
	if err := json.Unmarshal(body, &msg); err != nil {
		r.logger.Warn("relayed webhook: malformed message dropped", zap.Error(err))
		return true
	}
	headers := http.Header{}
	for k, v := range msg.Headers {
		headers.Set(k, v)
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayHandleTimeout)
	defer cancel()

	outcome, err := r.ProcessWebhook(ctx, msg.Provider, msg.Body, headers)
	if err != nil {
		if errors.Is(err, domain.ErrProviderRejected) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			r.logger.Warn("relayed webhook dropped", zap.String("provider", msg.Provider), zap.Error(err))
			return true
		}
		r.logger.Error("relayed webhook failed; requeueing", zap.String("provider", msg.Provider), zap.Error(err))
		return false
	}
	r.logger.Info("relayed webhook applied", zap.String("provider", msg.Provider), zap.String("outcome", string(outcome)))
	return true
}

// PollSummary counts what one sweep did.
type PollSummary struct {
	Checked   int
	Completed int
	Failed    int
	Exhausted int
	Pending   int
	Errors    int
}

// PollPending verifies open payments older than PollMinAge with their providers.
func (r *Reconciler) PollPending(ctx context.Context) (PollSummary, error) {
	now := r.now()
	stale, err := r.repo.ListStalePayments(ctx, now.Add(-r.cfg.PollMinAge), r.cfg.BatchSize)
	if err != nil {
		return PollSummary{}, fmt.Errorf("list stale payments: %w", err)
	}

	var (
		mu      sync.Mutex
		summary PollSummary
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.Concurrency)
	for i := range stale {
		payment := stale[i]
		group.Go(func() error {
			outcome, exhausted, err := r.pollOne(groupCtx, &payment, now)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			switch {
			case err != nil:
				summary.Errors++
				r.logger.Warn("poll failed", zap.String("reference", payment.Reference), zap.Error(err))
			case exhausted:
				summary.Exhausted++
			case outcome == OutcomeCompleted:
				summary.Completed++
			case outcome == OutcomeFailed:
				summary.Failed++
			case outcome == OutcomePending:
				summary.Pending++
			}
			return nil
		})
	}
	_ = group.Wait()

	if summary.Checked > 0 {
		r.logger.Info("poll sweep finished",
			zap.Int("checked", summary.Checked),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("exhausted", summary.Exhausted),
			zap.Int("pending", summary.Pending),
			zap.Int("errors", summary.Errors),
		)
	}
	return summary, nil
}

func (r *Reconciler) pollOne(ctx context.Context, payment *domain.Payment, now time.Time) (Outcome, bool, error) {
	outcome, verifyErr := r.verify(ctx, payment)
	if verifyErr == nil && outcome != OutcomePending {
		return outcome, false, nil
	}

	updated, err := r.repo.RecordPollAttempt(ctx, payment.Reference, now)
	if err != nil {
		return "", false, fmt.Errorf("record poll attempt: %w", err)
	}
	if updated.Status.IsTerminal() {
		return OutcomeDuplicate, false, nil
	}
	if updated.PollAttempts >= r.cfg.MaxAttempts || now.Sub(updated.CreatedAt) >= r.cfg.MaxAge {
		failed, err := r.fail(ctx, payment.Reference, ReasonPollBudgetExhausted, nil)
		if err != nil {
			return "", false, err
		}
		return failed, failed == OutcomeFailed, nil
	}
	return OutcomePending, false, verifyErr
}

func (r *Reconciler) verify(ctx context.Context, payment *domain.Payment) (Outcome, error) {
	g, err := r.gateways.Get(payment.Provider)
	if err != nil {
		return OutcomePending, err
	}
	req := gateway.VerifyRequest{Reference: payment.Reference}
	if payment.ExternalTxID != nil {
		req.ProviderReference = *payment.ExternalTxID
	}
	res, err := g.Verify(ctx, req)
	if err != nil {
		return OutcomePending, fmt.Errorf("verify %s with %s: %w", payment.Reference, payment.Provider, err)
	}

	switch res.Status {
	case domain.EventSuccess:
		event := &domain.PaymentEvent{
			Reference:    payment.Reference,
			Provider:     payment.Provider,
			Status:       res.Status,
			Amount:       res.Amount,
			Currency:     res.Currency,
			ProviderTxID: res.ProviderTxID,
		}
		if err := matchAmount(payment, event, false); err != nil {
			return OutcomePending, err
		}
		return r.complete(ctx, payment.Reference, res.ProviderTxID, nil)
	case domain.EventFailed:
		reason := res.Reason
		if reason == "" {
			reason = reasonProviderFailure
		}
		return r.fail(ctx, payment.Reference, reason, nil)
	default:
		return OutcomePending, nil
	}
}

// VerifyPayment asks the provider for a single payment's status and applies the answer.
func (r *Reconciler) VerifyPayment(ctx context.Context, payment *domain.Payment) (Outcome, error) {
	if payment.Status.IsTerminal() {
		return OutcomeDuplicate, nil
	}
	return r.verify(ctx, payment)
}
