/**
 * @description
 * OrderManager runs the number-rental lifecycle: pending -> active -> {completed, expired}.
 * The price is debited together with the pending row; a provisioning failure refunds it and
 * removes the row in one transaction. Expiry is evaluated lazily on every read, with an
 * optional background sweep.
 *
 * @dependencies
 * - github.com/shopspring/decimal: provider price conversion.
 * - golang.org/x/sync/singleflight: one price lookup per (country, service) in flight.
 * - go.uber.org/zap: structured logging.
 * - pkg/smsclient: number provisioning.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/ledger"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/rates"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/events"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/smsclient"
)

const (
	defaultPriceCacheTTL   = 10 * time.Minute
	defaultProviderTimeout = 30 * time.Second
	overdueSweepBatchSize  = 100
)

// NumberProvider is the provisioning API the order manager needs.
type NumberProvider interface {
	GetNumber(ctx context.Context, service, country string) (*smsclient.Number, error)
	GetStatus(ctx context.Context, activationID string) (*smsclient.Status, error)
	SetStatus(ctx context.Context, activationID string, status int) (string, error)
	GetServicesAndCost(ctx context.Context, country, service string) ([]smsclient.ServicePrice, error)
}

type OrderConfig struct {
	FixedMarkupCents int64
	RentalWindow     time.Duration
	ExtensionWindow  time.Duration
	// PriceCurrency is the currency the provider quotes prices in.
	PriceCurrency string
	PriceCacheTTL time.Duration
	// ProviderTimeout bounds work that outlives the request: shared price lookups and compensation.
	ProviderTimeout time.Duration
}

// OrderStatusView is an order plus the seconds left in its window.
type OrderStatusView struct {
	Order            *domain.Order `json:"order"`
	SecondsRemaining int64         `json:"seconds_remaining"`
}

type cachedPrice struct {
	cents     int64
	expiresAt time.Time
}

type OrderManager struct {
	repo      store.Repository
	ledger    *ledger.Ledger
	numbers   NumberProvider
	rates     RateSource
	publisher events.Publisher
	cfg       OrderConfig
	logger    *zap.Logger
	now       func() time.Time

	priceGroup singleflight.Group
	priceMu    sync.Mutex
	prices     map[string]cachedPrice
}

func NewOrderManager(repo store.Repository, l *ledger.Ledger, numbers NumberProvider, rateSource RateSource, publisher events.Publisher, cfg OrderConfig, logger *zap.Logger) *OrderManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{Logger: logger}
	}
	if cfg.RentalWindow <= 0 {
		cfg.RentalWindow = domain.DefaultRentalWindow
	}
	if cfg.ExtensionWindow <= 0 {
		cfg.ExtensionWindow = domain.DefaultExtensionWindow
	}
	if cfg.PriceCacheTTL <= 0 {
		cfg.PriceCacheTTL = defaultPriceCacheTTL
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	cfg.PriceCurrency = domain.NormalizeCurrency(cfg.PriceCurrency)
	if cfg.PriceCurrency == "" {
		cfg.PriceCurrency = domain.WalletCurrency
	}
	return &OrderManager{
		repo:      repo,
		ledger:    l,
		numbers:   numbers,
		rates:     rateSource,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		prices:    make(map[string]cachedPrice),
	}
}

// Quote returns the USD price in cents for service in country, fixed markup included.
func (m *OrderManager) Quote(ctx context.Context, countryID, serviceID string) (int64, error) {
	key := countryID + "|" + serviceID
	now := m.now()

	m.priceMu.Lock()
	cached, ok := m.prices[key]
	m.priceMu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.cents, nil
	}

	v, err, _ := m.priceGroup.Do(key, func() (interface{}, error) {
		// Shared by every waiter on key, so it must not die with the first caller.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ProviderTimeout)
		defer cancel()

		prices, err := m.numbers.GetServicesAndCost(ctx, countryID, serviceID)
		if err != nil {
			return int64(0), err
		}
		price, ok := smsclient.FindPrice(prices, countryID, serviceID)
		if !ok {
			return int64(0), domain.ValidationErrorf("service %s is not available in country %s", serviceID, countryID)
		}
		var base int64
		if m.cfg.PriceCurrency == domain.WalletCurrency {
			base = gateway.MinorUnits(price.Cost, domain.WalletCurrency)
		} else {
			quote, err := m.rates.GetRate(ctx, m.cfg.PriceCurrency)
			if err != nil {
				return int64(0), fmt.Errorf("price currency rate: %w", err)
			}
			base = rates.ConvertToUSD(price.Cost, *quote)
		}
		cents := base + m.cfg.FixedMarkupCents
		if cents <= 0 {
			return int64(0), domain.ProviderRejectedf("provider returned a non-positive price for %s/%s", countryID, serviceID)
		}
		m.priceMu.Lock()
		m.prices[key] = cachedPrice{cents: cents, expiresAt: m.now().Add(m.cfg.PriceCacheTTL)}
		m.priceMu.Unlock()
		return cents, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// CreateOrder charges the caller and rents a number. Insufficient balance leaves no trace;
// a provisioning failure is compensated before the original error is returned.
func (m *OrderManager) CreateOrder(ctx context.Context, userID uuid.UUID, req domain.CreateOrderRequest) (*domain.Order, error) {
	serviceID := strings.TrimSpace(req.ServiceID)
	countryID := strings.TrimSpace(req.CountryID)
	if userID == uuid.Nil {
		return nil, domain.ValidationErrorf("user id is required")
	}
	if serviceID == "" || countryID == "" {
		return nil, domain.ValidationErrorf("service_id and country_id are required")
	}

	price, err := m.Quote(ctx, countryID, serviceID)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:         uuid.New(),
		UserID:     userID,
		ServiceID:  serviceID,
		CountryID:  countryID,
		Status:     domain.OrderPending,
		AmountPaid: price,
		Currency:   domain.WalletCurrency,
		ExpiresAt:  m.now().Add(m.cfg.RentalWindow),
	}
	if _, err := m.ledger.ChargeOrder(ctx, order); err != nil {
		return nil, err
	}

	number, err := m.numbers.GetNumber(ctx, serviceID, countryID)
	if err != nil {
		m.compensate(ctx, order, "", err)
		return nil, err
	}

	active, err := m.repo.ActivateOrder(ctx, order.ID, number.PhoneNumber, number.ActivationID, m.now().Add(m.cfg.RentalWindow))
	if err != nil {
		m.compensate(ctx, order, number.ActivationID, err)
		return nil, fmt.Errorf("activate order: %w", err)
	}
	m.logger.Info("order activated",
		zap.String("order_id", active.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("service_id", serviceID),
		zap.String("country_id", countryID),
		zap.Int64("amount_paid", active.AmountPaid),
	)
	m.publish(ctx, domain.EventOrderActivated, active)
	return active, nil
}

// compensate refunds a pending order whose provisioning failed. A rented number that could not
// be recorded is released at the provider first. It runs detached from the request, whose
// context may already be cancelled by the time provisioning gives up.
func (m *OrderManager) compensate(ctx context.Context, order *domain.Order, activationID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ProviderTimeout)
	defer cancel()

	if activationID != "" {
		if _, err := m.numbers.SetStatus(ctx, activationID, smsclient.SetStatusCancel); err != nil {
			m.logger.Error("failed to release provisioned number", zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	if _, err := m.ledger.RefundPendingOrder(ctx, order.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("pending order already settled", zap.String("order_id", order.ID.String()), zap.Error(cause))
			return
		}
		m.logger.Error("CRITICAL: provisioning compensation failed",
			zap.String("order_id", order.ID.String()),
			zap.String("user_id", order.UserID.String()),
			zap.Int64("amount", order.AmountPaid),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	m.logger.Warn("provisioning failed; order refunded", zap.String("order_id", order.ID.String()), zap.Error(cause))
}

func (m *OrderManager) owned(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	order, err := m.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, domain.NotFoundf("order %s", orderID)
	}
	return order, nil
}

// expireIfOverdue applies lazy expiry and returns the current order.
func (m *OrderManager) expireIfOverdue(ctx context.Context, order *domain.Order, now time.Time) (*domain.Order, error) {
	if !order.CanExpire() || !order.IsOverdue(now) {
		return order, nil
	}
	expired, changed, err := m.repo.ExpireOrder(ctx, order.ID, now)
	if err != nil {
		return nil, fmt.Errorf("expire order: %w", err)
	}
	if changed {
		m.logger.Info("order expired", zap.String("order_id", order.ID.String()))
		m.publish(ctx, domain.EventOrderExpired, expired)
	}
	return expired, nil
}

// CheckStatus returns the order, expiring it first when its window has passed.
func (m *OrderManager) CheckStatus(ctx context.Context, userID, orderID uuid.UUID) (*OrderStatusView, error) {
	order, err := m.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	order, err = m.expireIfOverdue(ctx, order, now)
	if err != nil {
		return nil, err
	}
	return &OrderStatusView{Order: order, SecondsRemaining: remaining(order, now)}, nil
}

func remaining(order *domain.Order, now time.Time) int64 {
	if order.Status == domain.OrderExpired {
		return 0
	}
	return order.SecondsRemaining(now)
}

// Extend adds the extension window to an active order that has not yet run out.
func (m *OrderManager) Extend(ctx context.Context, userID, orderID uuid.UUID) (*OrderStatusView, error) {
	order, err := m.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	extended, err := m.repo.ExtendOrder(ctx, order.ID, now, m.cfg.ExtensionWindow)
	if err != nil {
		if errors.Is(err, domain.ErrExpiredResource) {
			if _, expireErr := m.expireIfOverdue(ctx, order, now); expireErr != nil {
				m.logger.Warn("lazy expiry failed", zap.String("order_id", order.ID.String()), zap.Error(expireErr))
			}
		}
		return nil, err
	}
	m.logger.Info("order extended", zap.String("order_id", order.ID.String()), zap.Time("expires_at", extended.ExpiresAt))
	return &OrderStatusView{Order: extended, SecondsRemaining: remaining(extended, now)}, nil
}

// receivable loads an owned order that may still receive codes.
func (m *OrderManager) receivable(ctx context.Context, userID, orderID uuid.UUID, now time.Time) (*domain.Order, error) {
	order, err := m.owned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	order, err = m.expireIfOverdue(ctx, order, now)
	if err != nil {
		return nil, err
	}
	switch {
	case order.Status == domain.OrderExpired:
		return nil, domain.ExpiredResourcef("order %s has expired", orderID)
	case order.Status == domain.OrderPending:
		return nil, domain.ValidationErrorf("order %s is still being provisioned", orderID)
	case !order.ExpiresAt.After(now):
		return nil, domain.ExpiredResourcef("order %s has expired", orderID)
	}
	return order, nil
}

// FetchVerificationCode polls the provider for an SMS. A received code completes the order;
// completed orders may receive newer codes without changing status.
func (m *OrderManager) FetchVerificationCode(ctx context.Context, userID, orderID uuid.UUID) (*domain.VerificationCodeResult, error) {
	now := m.now()
	order, err := m.receivable(ctx, userID, orderID, now)
	if err != nil {
		return nil, err
	}

	status, err := m.numbers.GetStatus(ctx, order.ExternalOrderID)
	if err != nil {
		return nil, err
	}
	switch {
	case status.State == smsclient.StateOK:
		wasActive := order.Status == domain.OrderActive
		updated, err := m.repo.StoreVerificationCode(ctx, order.ID, status.Code, now)
		if err != nil {
			return nil, err
		}
		if wasActive {
			m.publish(ctx, domain.EventOrderCompleted, updated)
		}
		return &domain.VerificationCodeResult{Order: updated, State: domain.CodeReceived, Code: status.Code}, nil
	case status.Waiting():
		return &domain.VerificationCodeResult{Order: order, State: domain.CodeWaiting}, nil
	default:
		return nil, domain.ProviderRejectedf("activation %s was cancelled by the provider", order.ExternalOrderID)
	}
}

// RequestAnotherCode asks the provider to deliver a further SMS to the same number.
func (m *OrderManager) RequestAnotherCode(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, error) {
	order, err := m.receivable(ctx, userID, orderID, m.now())
	if err != nil {
		return nil, err
	}
	if _, err := m.numbers.SetStatus(ctx, order.ExternalOrderID, smsclient.SetStatusAnotherCode); err != nil {
		return nil, err
	}
	m.logger.Info("another code requested", zap.String("order_id", order.ID.String()))
	return order, nil
}

// Cancel releases an active order that has not received a code and refunds its price once.
func (m *OrderManager) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*domain.Order, *domain.Balance, error) {
	now := m.now()
	order, err := m.receivable(ctx, userID, orderID, now)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != domain.OrderActive || order.VerificationCode != nil {
		return nil, nil, domain.ValidationErrorf("order %s already received a code", orderID)
	}
	if _, err := m.numbers.SetStatus(ctx, order.ExternalOrderID, smsclient.SetStatusCancel); err != nil {
		return nil, nil, err
	}
	cancelled, balance, err := m.ledger.RefundCancelledOrder(ctx, order.ID, now)
	if err != nil {
		return nil, nil, err
	}
	m.publish(ctx, domain.EventOrderCancelled, cancelled)
	return cancelled, balance, nil
}

// ExpireOverdue expires every active order past its window. A pending order past its window
// never finished provisioning, so it is refunded instead. The count covers both.
func (m *OrderManager) ExpireOverdue(ctx context.Context) (int, error) {
	now := m.now()
	overdue, err := m.repo.ListOverdueOrders(ctx, now, overdueSweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list overdue orders: %w", err)
	}
	expired := 0
	for i := range overdue {
		if overdue[i].Status == domain.OrderPending {
			if _, err := m.ledger.RefundPendingOrder(ctx, overdue[i].ID); err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					m.logger.Error("expiry sweep: stranded order not refunded", zap.String("order_id", overdue[i].ID.String()), zap.Error(err))
				}
				continue
			}
			m.logger.Warn("expiry sweep: stranded pending order refunded",
				zap.String("order_id", overdue[i].ID.String()),
				zap.String("user_id", overdue[i].UserID.String()),
				zap.Int64("amount", overdue[i].AmountPaid),
			)
			expired++
			continue
		}
		order, changed, err := m.repo.ExpireOrder(ctx, overdue[i].ID, now)
		if err != nil {
			m.logger.Warn("expiry sweep: order skipped", zap.String("order_id", overdue[i].ID.String()), zap.Error(err))
			continue
		}
		if changed {
			expired++
			m.publish(ctx, domain.EventOrderExpired, order)
		}
	}
	if expired > 0 {
		m.logger.Info("expiry sweep finished", zap.Int("expired", expired))
	}
	return expired, nil
}

func (m *OrderManager) publish(ctx context.Context, routingKey string, order *domain.Order) {
	if err := m.publisher.Publish(ctx, routingKey, domain.NewOrderStatusChanged(order, m.now())); err != nil {
		m.logger.Warn("event publish failed", zap.String("event", routingKey), zap.Error(err))
	}
}
