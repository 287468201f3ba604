/**
 * @description
 * Exchange rate service. Holds a USD-based rate table that is refreshed at most once per
 * interval, shared through a cache when one is configured, and backed by a fallback table so
 * a rate outage never fails a user-facing flow.
 *
 * @dependencies
 * - github.com/shopspring/decimal: rate arithmetic.
 * - golang.org/x/sync/singleflight: one refresh in flight at a time.
 * - go.uber.org/zap: structured logging.
 */

package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

const (
	SourceLive     = "live"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Table maps currency code to units of that currency per 1 USD.
type Table struct {
	Base      string                     `json:"base"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                  `json:"fetched_at"`
	Source    string                     `json:"source"`
}

func (t *Table) lookup(currency string) (decimal.Decimal, bool) {
	if t == nil {
		return decimal.Zero, false
	}
	rate, ok := t.Rates[currency]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, false
	}
	return rate, true
}

// Rate is a quote for one currency.
type Rate struct {
	Currency      string          `json:"currency"`
	Rate          decimal.Decimal `json:"rate"`
	MarkupPercent decimal.Decimal `json:"markup_percent"`
	VATPercent    decimal.Decimal `json:"vat_percent"`
	FetchedAt     time.Time       `json:"fetched_at"`
	Source        string          `json:"source"`
}

// Fetcher retrieves a fresh table from an upstream API.
type Fetcher interface {
	Fetch(ctx context.Context) (*Table, error)
}

// Cache shares a fetched table between service instances.
type Cache interface {
	Load(ctx context.Context) (*Table, error)
	Store(ctx context.Context, table *Table, ttl time.Duration) error
}

type Options struct {
	Interval        time.Duration
	MarkupPercent   decimal.Decimal
	VATPercent      decimal.Decimal
	MarkupOverrides map[string]decimal.Decimal
	VATOverrides    map[string]decimal.Decimal
}

type Service struct {
	fetcher  Fetcher
	cache    Cache
	fallback *Table
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	group       singleflight.Group
	mu          sync.RWMutex
	current     *Table
	lastAttempt time.Time
}

// NewService builds a rate service. cache may be nil.
func NewService(fetcher Fetcher, cache Cache, fallback *Table, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	return &Service{
		fetcher:  fetcher,
		cache:    cache,
		fallback: fallback,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetRate returns the quote for currency. USD always has rate 1. Only an unknown currency is
// an error; upstream failures degrade to the cached or fallback table.
func (s *Service) GetRate(ctx context.Context, currency string) (*Rate, error) {
	currency = domain.NormalizeCurrency(currency)
	if !domain.IsSupportedCurrency(currency) {
		return nil, domain.ValidationErrorf("unsupported currency %q", currency)
	}

	quote := &Rate{
		Currency:      currency,
		MarkupPercent: s.percentFor(currency, s.opts.MarkupPercent, s.opts.MarkupOverrides),
		VATPercent:    s.percentFor(currency, s.opts.VATPercent, s.opts.VATOverrides),
	}
	if currency == domain.WalletCurrency {
		quote.Rate = decimal.NewFromInt(1)
		quote.FetchedAt = s.now()
		quote.Source = SourceLive
		return quote, nil
	}

	table := s.table(ctx)
	if rate, ok := table.lookup(currency); ok {
		quote.Rate, quote.FetchedAt, quote.Source = rate, table.FetchedAt, table.Source
		return quote, nil
	}
	if rate, ok := s.fallback.lookup(currency); ok {
		quote.Rate, quote.FetchedAt, quote.Source = rate, s.fallback.FetchedAt, SourceFallback
		return quote, nil
	}
	return nil, domain.ValidationErrorf("no rate available for %s", currency)
}

// Snapshot returns a copy of the table GetRate is currently serving from.
func (s *Service) Snapshot(ctx context.Context) Table {
	t := s.table(ctx)
	out := Table{Base: domain.WalletCurrency, Rates: map[string]decimal.Decimal{}}
	if t != nil {
		out.FetchedAt, out.Source = t.FetchedAt, t.Source
		for k, v := range t.Rates {
			out.Rates[k] = v
		}
	}
	out.Rates[domain.WalletCurrency] = decimal.NewFromInt(1)
	return out
}

// Refresh forces a refresh attempt regardless of the interval.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx, true)
	})
	return err
}

func (s *Service) percentFor(currency string, def decimal.Decimal, overrides map[string]decimal.Decimal) decimal.Decimal {
	if v, ok := overrides[currency]; ok {
		return v
	}
	return def
}

// table returns the current table, refreshing first when the interval has elapsed.
func (s *Service) table(ctx context.Context) *Table {
	if s.due() {
		_, _, _ = s.group.Do("refresh", func() (interface{}, error) {
			if !s.due() {
				return nil, nil
			}
			return nil, s.refresh(ctx, false)
		})
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil {
		return s.current
	}
	return s.fallback
}

func (s *Service) due() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAttempt.IsZero() || s.now().Sub(s.lastAttempt) >= s.opts.Interval
}

func (s *Service) refresh(ctx context.Context, force bool) error {
	now := s.now()
	s.mu.Lock()
	s.lastAttempt = now
	s.mu.Unlock()

	var stale *Table
	if s.cache != nil {
		cached, err := s.cache.Load(ctx)
		if err != nil {
			s.logger.Warn("rate cache read failed", zap.Error(err))
		} else if cached != nil {
			cached.Source = SourceCache
			if !force && now.Sub(cached.FetchedAt) < s.opts.Interval {
				s.setCurrent(cached)
				return nil
			}
			stale = cached
		}
	}

	if s.fetcher == nil {
		return nil
	}
	fresh, err := s.fetcher.Fetch(ctx)
	if err != nil {
		s.mu.Lock()
		if s.current == nil && stale != nil {
			s.current = stale
		}
		s.mu.Unlock()
		s.logger.Warn("rate refresh failed; serving previous table", zap.Error(err))
		return err
	}
	fresh.Source = SourceLive
	if fresh.FetchedAt.IsZero() {
		fresh.FetchedAt = now
	}
	s.setCurrent(fresh)
	s.logger.Info("rate table refreshed", zap.Int("currencies", len(fresh.Rates)))

	if s.cache != nil {
		if err := s.cache.Store(ctx, fresh, s.opts.Interval); err != nil {
			s.logger.Warn("rate cache write failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) setCurrent(t *Table) {
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
}
