package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
)

const (
	DefaultReconcileInterval = time.Minute
	// DefaultSettleAfter must exceed the relayer's confirmation wait plus a
	// registrar call, so the sweep never races a live request.
	DefaultSettleAfter = 5 * time.Minute
	// DefaultReleaseAfter applies to processing purchases that never
	// recorded a transaction hash.
	DefaultReleaseAfter = 10 * time.Minute
	// DefaultAbandonAfter is how long a recorded transaction may stay
	// unresolved before the purchase is handed to manual reconciliation.
	DefaultAbandonAfter = 24 * time.Hour
)

var errClaimLost = errors.New("ledger: purchase changed while reconciling")

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	Expired   int
	Completed int
	Failed    int
	Released  int
	Abandoned int
	Unknown   int
}

// Reconciler resolves purchases the request path could not finish: offers
// that lapsed, relays whose confirmation timed out, and requests that died
// mid-flight. A transaction that stays unresolved past the abandon threshold
// moves its purchase to error. It never touches registration_failed or error
// purchases.
type Reconciler struct {
	service      *Service
	verifier     TransferVerifier
	interval     time.Duration
	settleAfter  time.Duration
	releaseAfter time.Duration
	abandonAfter time.Duration
	logger       *zap.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileInterval sets the pause between sweeps run by Run.
func WithReconcileInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithSettleAfter sets how old a processing purchase with a transaction hash
// must be before its receipt is checked.
func WithSettleAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.settleAfter = d
	}
}

// WithReleaseAfter sets how long a processing purchase without a transaction
// hash may sit before it is sent back to awaiting_payment.
func WithReleaseAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.releaseAfter = d
	}
}

// WithAbandonAfter sets how long a recorded transaction may stay unresolved
// before the purchase moves to error.
func WithAbandonAfter(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.abandonAfter = d
	}
}

// WithReconcilerLogger sets the logger for sweep results.
func WithReconcilerLogger(logger *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// NewReconciler creates a Reconciler. verifier should poll the receipt once;
// an unmined transaction is retried on the next sweep.
func NewReconciler(service *Service, verifier TransferVerifier, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		service:      service,
		verifier:     verifier,
		interval:     DefaultReconcileInterval,
		settleAfter:  DefaultSettleAfter,
		releaseAfter: DefaultReleaseAfter,
		abandonAfter: DefaultAbandonAfter,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		report, err := r.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("reconciliation sweep failed", zap.Error(err))
		} else if report != (SweepReport{}) {
			r.logger.Info("reconciliation sweep",
				zap.Int("expired", report.Expired),
				zap.Int("completed", report.Completed),
				zap.Int("failed", report.Failed),
				zap.Int("released", report.Released),
				zap.Int("abandoned", report.Abandoned),
				zap.Int("unknown", report.Unknown))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	s := r.service

	expired, err := s.ExpireStale(ctx)
	report.Expired = expired
	s.metrics.ObserveReconcileN("expired", expired)
	if err != nil {
		return report, err
	}

	processing, err := s.store.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return report, fmt.Errorf("list processing purchases: %w", err)
	}

	now := s.clock.Now()
	for _, p := range processing {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		// UpdatedAt moves on every claim, so age is taken from entry into
		// processing.
		age := now.Sub(p.ProcessingStarted())

		if p.TxHash == "" {
			if age < r.releaseAfter {
				continue
			}
			if err := r.release(ctx, p); err != nil {
				r.logger.Warn("failed to release interrupted purchase", zap.String("purchase_id", p.ID), zap.Error(err))
				continue
			}
			report.Released++
			s.metrics.ObserveReconcile("released")
			continue
		}
		if age < r.settleAfter {
			continue
		}

		claimed, err := r.claim(ctx, p)
		if err != nil {
			r.logger.Debug("purchase moved on before reconciliation", zap.String("purchase_id", p.ID), zap.Error(err))
			continue
		}

		outcome := r.verifier.Verify(ctx, claimed.TxHash, claimed.Amount, s.treasury)
		switch {
		case outcome.Unknown() && age >= r.abandonAfter:
			if err := r.abandon(ctx, claimed, age); err != nil {
				r.logger.Warn("failed to abandon unresolved purchase", zap.String("purchase_id", claimed.ID), zap.Error(err))
				continue
			}
			report.Abandoned++
			s.metrics.ObserveReconcile("abandoned")
		case outcome.Unknown():
			r.logger.Warn("settlement still unknown",
				zap.String("purchase_id", claimed.ID),
				zap.String("tx_hash", claimed.TxHash),
				zap.Duration("processing_for", age),
				zap.String("reason", outcome.Reason))
			report.Unknown++
			s.metrics.ObserveReconcile("unknown")
		case !outcome.Verified:
			perr := clawd.NewPaymentError(outcome.Kind, paymentCode(outcome.Reason, outcome.Kind), outcome.Error, nil)
			s.fail(ctx, claimed, StatusPaymentFailed, perr, "reconciled: "+outcome.Error)
			report.Failed++
			s.metrics.ObserveReconcile("failed")
		default:
			if _, err := s.register(ctx, claimed, outcome.Sender, claimed.TxHash); err != nil {
				report.Failed++
				s.metrics.ObserveReconcile("registration_failed")
				continue
			}
			report.Completed++
			s.metrics.ObserveReconcile("completed")
		}
	}
	return report, nil
}

// claim bumps UpdatedAt only if nobody else touched the purchase since it
// was listed, so two sweeps never settle the same purchase.
func (r *Reconciler) claim(ctx context.Context, p *Purchase) (*Purchase, error) {
	return r.service.transition(ctx, p.ID, []Status{StatusProcessing}, StatusProcessing, "", func(q *Purchase) error {
		if !q.UpdatedAt.Equal(p.UpdatedAt) {
			return errClaimLost
		}
		return nil
	})
}

// release sends a purchase that died before recording a transaction back to
// awaiting_payment. No funds can have moved through this service for it.
func (r *Reconciler) release(ctx context.Context, p *Purchase) error {
	_, err := r.service.transition(ctx, p.ID, []Status{StatusProcessing}, StatusAwaitingPayment, "processing interrupted", func(q *Purchase) error {
		if !q.UpdatedAt.Equal(p.UpdatedAt) || q.TxHash != "" {
			return errClaimLost
		}
		q.LastError = "payment processing was interrupted, please retry"
		return nil
	})
	return err
}

// abandon moves a purchase whose transaction never resolved to error. Funds
// may have moved, so it is left for manual reconciliation.
func (r *Reconciler) abandon(ctx context.Context, p *Purchase, age time.Duration) error {
	reason := fmt.Sprintf("transaction %s unresolved after %s, manual reconciliation required", p.TxHash, age.Truncate(time.Minute))
	_, err := r.service.transition(ctx, p.ID, []Status{StatusProcessing}, StatusError, reason, func(q *Purchase) error {
		if !q.UpdatedAt.Equal(p.UpdatedAt) || !strings.EqualFold(q.TxHash, p.TxHash) {
			return errClaimLost
		}
		q.LastError = reason
		return nil
	})
	return err
}
