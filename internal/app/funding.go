package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/rates"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
)

// RateSource quotes exchange rates.
type RateSource interface {
	GetRate(ctx context.Context, currency string) (*rates.Rate, error)
}

type FundingConfig struct {
	// PublicBaseURL is where providers deliver webhooks, e.g. https://api.example.com.
	PublicBaseURL string
	// ReturnURL is the frontend page the customer lands on after checkout.
	ReturnURL string
}

// FundingService opens top-up payments with a provider.
type FundingService struct {
	repo       store.Repository
	gateways   *gateway.Registry
	rates      RateSource
	reconciler *Reconciler
	cfg        FundingConfig
	logger     *zap.Logger
}

func NewFundingService(repo store.Repository, gateways *gateway.Registry, rateSource RateSource, reconciler *Reconciler, cfg FundingConfig, logger *zap.Logger) *FundingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FundingService{repo: repo, gateways: gateways, rates: rateSource, reconciler: reconciler, cfg: cfg, logger: logger}
}

func newPaymentReference() string {
	return "dn_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// AddFunds records a pending payment, fixing the USD credit from the current rate, and opens
// a checkout with provider. The credit never changes afterwards.
func (s *FundingService) AddFunds(ctx context.Context, userID uuid.UUID, provider string, req domain.AddFundsRequest) (*domain.Payment, error) {
	if userID == uuid.Nil {
		return nil, domain.ValidationErrorf("user id is required")
	}
	if req.Amount <= 0 {
		return nil, domain.ValidationErrorf("amount must be positive")
	}
	currency := domain.NormalizeCurrency(req.Currency)
	if !domain.IsSupportedCurrency(currency) {
		return nil, domain.ValidationErrorf("unsupported currency %q", req.Currency)
	}
	g, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	if err := gateway.CheckCurrency(g, currency); err != nil {
		return nil, err
	}

	quote, err := s.rates.GetRate(ctx, currency)
	if err != nil {
		return nil, err
	}
	credit := rates.ToUSD(req.Amount, *quote)
	if credit <= 0 {
		return nil, domain.ValidationErrorf("amount is below the smallest creditable value")
	}

	payment := &domain.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		Reference:      newPaymentReference(),
		Provider:       g.Name(),
		Amount:         req.Amount,
		Currency:       currency,
		Status:         domain.PaymentPending,
		CreditCurrency: domain.WalletCurrency,
		CreditAmount:   credit,
		RateSnapshot:   quote.Rate,
		MarkupPercent:  quote.MarkupPercent,
		VATPercent:     quote.VATPercent,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	result, err := g.Initiate(ctx, gateway.InitiateRequest{
		Reference:   payment.Reference,
		Amount:      payment.Amount,
		Currency:    currency,
		Customer:    domain.Customer{UserID: userID, Email: req.Email, Phone: req.Phone, Name: req.Name},
		Description: "Wallet top-up",
		CallbackURL: s.callbackURL(g.Name()),
		ReturnURL:   s.returnURL(payment.Reference),
	})
	if err != nil {
		// A timed-out initiate may still have reached the provider; leave it to the poll sweep.
		if errors.Is(err, domain.ErrProviderUnavailable) {
			s.logger.Warn("payment initiate unavailable; left pending for polling", zap.String("reference", payment.Reference), zap.Error(err))
			return nil, err
		}
		if _, _, failErr := s.repo.FailPayment(ctx, payment.Reference, "initiate_rejected: "+err.Error(), nil); failErr != nil {
			s.logger.Error("failed to mark rejected payment", zap.String("reference", payment.Reference), zap.Error(failErr))
		}
		return nil, err
	}

	initiated, err := s.repo.MarkPaymentInitiated(ctx, payment.Reference, result.ProviderReference, result.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("mark payment initiated: %w", err)
	}
	s.logger.Info("payment initiated",
		zap.String("reference", initiated.Reference),
		zap.String("provider", initiated.Provider),
		zap.Int64("amount", initiated.Amount),
		zap.String("currency", initiated.Currency),
		zap.Int64("credit_amount", initiated.CreditAmount),
	)
	return initiated, nil
}

func (s *FundingService) callbackURL(provider string) string {
	if s.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/webhooks/" + provider
}

func (s *FundingService) returnURL(reference string) string {
	if s.cfg.ReturnURL == "" {
		return ""
	}
	u, err := url.Parse(s.cfg.ReturnURL)
	if err != nil {
		return s.cfg.ReturnURL
	}
	q := u.Query()
	q.Set("reference", reference)
	u.RawQuery = q.Encode()
	return u.String()
}

// PaymentStatus returns the caller's payment, verifying with the provider first while it is open.
func (s *FundingService) PaymentStatus(ctx context.Context, userID uuid.UUID, reference string) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, domain.NotFoundf("payment %s", reference)
	}
	if payment.Status.IsTerminal() || s.reconciler == nil {
		return payment, nil
	}

	if _, err := s.reconciler.VerifyPayment(ctx, payment); err != nil {
		s.logger.Warn("on-demand verify failed", zap.String("reference", reference), zap.Error(err))
		return payment, nil
	}
	return s.repo.FindPaymentByReference(ctx, reference)
}
