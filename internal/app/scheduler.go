/**
 * @description
 * Cron scheduler for the background sweeps: payment polling, rate refresh and the optional
 * order expiry sweep.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 2 * time.Minute

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// RateRefresher forces an exchange rate refresh.
type RateRefresher interface {
	Refresh(ctx context.Context) error
}

type SchedulerConfig struct {
	PollSchedule        string
	RatesSchedule       string
	OrderExpirySchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	orders     *OrderManager
	rates      RateRefresher
	cfg        SchedulerConfig
	logger     *zap.Logger
}

func NewScheduler(reconciler *Reconciler, orders *OrderManager, rateRefresher RateRefresher, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{sugar: logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	return &Scheduler{cron: c, reconciler: reconciler, orders: orders, rates: rateRefresher, cfg: cfg, logger: logger}
}

func (s *Scheduler) add(name, schedule string, job func()) {
	if schedule == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", zap.String("job", name), zap.String("schedule", schedule), zap.Error(err))
		return
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", schedule))
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if s.reconciler != nil {
		s.add("payment_poll", s.cfg.PollSchedule, s.PollPayments)
	}
	if s.rates != nil {
		s.add("rates_refresh", s.cfg.RatesSchedule, s.RefreshRates)
	}
	if s.orders != nil {
		s.add("order_expiry", s.cfg.OrderExpirySchedule, s.ExpireOrders)
	}
	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) PollPayments() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.reconciler.PollPending(ctx); err != nil {
		s.logger.Error("payment poll job failed", zap.Error(err))
	}
}

func (s *Scheduler) RefreshRates() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := s.rates.Refresh(ctx); err != nil {
		s.logger.Warn("rate refresh job failed", zap.Error(err))
	}
}

func (s *Scheduler) ExpireOrders() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if _, err := s.orders.ExpireOverdue(ctx); err != nil {
		s.logger.Error("order expiry job failed", zap.Error(err))
	}
}
