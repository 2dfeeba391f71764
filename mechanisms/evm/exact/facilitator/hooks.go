package facilitator

import (
	"context"
	"time"

	"github.com/noahlevine1717/clawd-domain-marketplace/metrics"
)

// ============================================================================
// Hook Context Types
// ============================================================================

// VerifyResultContext is passed to hooks after a settled reference was checked.
type VerifyResultContext struct {
	Ctx      context.Context
	TxHash   string
	Outcome  VerifyOutcome
	Duration time.Duration
}

// RelayResultContext is passed to hooks after a relay attempt finished,
// whether or not a transaction was broadcast.
type RelayResultContext struct {
	Ctx      context.Context
	Payer    string
	Outcome  RelayOutcome
	Duration time.Duration
}

// ============================================================================
// Hook Function Types
// ============================================================================

// AfterVerifyHook is called after every verification.
type AfterVerifyHook func(VerifyResultContext)

// AfterRelayHook is called after every relay attempt.
type AfterRelayHook func(RelayResultContext)

// Hooks collects observers for the verifier and relayer. Hooks run
// synchronously on the request goroutine and must not block.
type Hooks struct {
	afterVerify []AfterVerifyHook
	afterRelay  []AfterRelayHook
}

// NewHooks creates an empty hook set.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnAfterVerify registers a hook run after verification.
func (h *Hooks) OnAfterVerify(hook AfterVerifyHook) *Hooks {
	h.afterVerify = append(h.afterVerify, hook)
	return h
}

// OnAfterRelay registers a hook run after a relay attempt.
func (h *Hooks) OnAfterRelay(hook AfterRelayHook) *Hooks {
	h.afterRelay = append(h.afterRelay, hook)
	return h
}

// MetricsHooks returns hooks that record verification and relay outcomes on m.
func MetricsHooks(m *metrics.Metrics) *Hooks {
	return NewHooks().
		OnAfterVerify(func(hc VerifyResultContext) {
			m.ObserveVerify(verifyResult(hc.Outcome))
		}).
		OnAfterRelay(func(hc RelayResultContext) {
			m.ObserveRelay(string(hc.Outcome.Status), hc.Outcome.Replayed, hc.Duration)
		})
}

func verifyResult(o VerifyOutcome) string {
	switch {
	case o.Verified:
		return "verified"
	case o.Unknown():
		return "unknown"
	default:
		return "rejected"
	}
}

func (h *Hooks) afterVerifyDone(ctx context.Context, txHash string, outcome VerifyOutcome, d time.Duration) {
	if h == nil {
		return
	}
	for _, hook := range h.afterVerify {
		hook(VerifyResultContext{Ctx: ctx, TxHash: txHash, Outcome: outcome, Duration: d})
	}
}

func (h *Hooks) afterRelayDone(ctx context.Context, payer string, outcome RelayOutcome, d time.Duration) {
	if h == nil {
		return
	}
	for _, hook := range h.afterRelay {
		hook(RelayResultContext{Ctx: ctx, Payer: payer, Outcome: outcome, Duration: d})
	}
}
