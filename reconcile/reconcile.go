// Package reconcile implements the read-only capture↔debt reconciliation
// job: it compares the issuer's settlement log against on-chain debt
// deltas over a rolling window and reports divergence. Sentinel errors,
// slog logging, and a single exported entry point a service binary
// schedules on a timer.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cardcredit/observability/metrics"
)

// DefaultDivergenceThresholdBps is the alert threshold for the
// capture↔debt leg.
const DefaultDivergenceThresholdBps = 10

// Window bounds one reconciliation pass.
type Window struct {
	Start time.Time
	End   time.Time
}

// IssuerCapture is one committed capture as recorded in the issuer's own
// settlement log, keyed by auth_id.
type IssuerCapture struct {
	AuthID         string
	AmountUSDMicro int64
}

// ChainDebit is one debt-increasing delta observed on-chain for an auth_id,
// as surfaced by the indexer's change feed or a direct state scan.
type ChainDebit struct {
	AuthID         string
	AmountUSDMicro int64
}

// IssuerSource reads committed captures for a window from the card
// issuer's settlement log.
type IssuerSource interface {
	Captures(ctx context.Context, window Window) ([]IssuerCapture, error)
}

// ChainSource reads debt-increasing deltas for a window from on-chain
// state, attributed back to the auth_id that caused them.
type ChainSource interface {
	DebtDeltas(ctx context.Context, window Window) ([]ChainDebit, error)
}

// AuthDiff is the per-auth_id divergence report.
type AuthDiff struct {
	AuthID           string
	IssuerUSDMicro   int64
	ChainUSDMicro    int64
	DeltaUSDMicro    int64
}

// Result is one reconciliation pass's findings. Reconciliation never
// mutates position state; this is purely an observability artifact.
type Result struct {
	Window          Window
	IssuerTotal     int64
	ChainTotal      int64
	DivergenceBps   int64
	Alert           bool
	PerAuthDiffs    []AuthDiff
}

// Alerter delivers a divergence alert to an outside notification channel.
// Reconciler works without one (alerts are simply logged); wiring one in
// routes the same alert to operator-facing tooling.
type Alerter interface {
	NotifyDivergence(ctx context.Context, window Window, issuerTotal, chainTotal, divergenceBps int64) error
}

// Reconciler compares the issuer's settlement log against on-chain debt
// deltas over a window and reports basis-point divergence.
type Reconciler struct {
	issuer       IssuerSource
	chain        ChainSource
	thresholdBps int64
	logger       *slog.Logger
	alerter      Alerter
}

func New(issuer IssuerSource, chain ChainSource, thresholdBps int64, logger *slog.Logger) *Reconciler {
	if thresholdBps <= 0 {
		thresholdBps = DefaultDivergenceThresholdBps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{issuer: issuer, chain: chain, thresholdBps: thresholdBps, logger: logger}
}

// WithAlerter attaches an outbound alert channel, returning the same
// Reconciler for chaining.
func (r *Reconciler) WithAlerter(a Alerter) *Reconciler {
	r.alerter = a
	return r
}

// Run executes one reconciliation pass for window, never mutating any
// position or config state.
func (r *Reconciler) Run(ctx context.Context, window Window) (Result, error) {
	captures, err := r.issuer.Captures(ctx, window)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: read issuer captures: %w", err)
	}
	deltas, err := r.chain.DebtDeltas(ctx, window)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: read chain debt deltas: %w", err)
	}

	issuerByAuth := make(map[string]int64, len(captures))
	var issuerTotal int64
	for _, c := range captures {
		issuerByAuth[c.AuthID] += c.AmountUSDMicro
		issuerTotal += c.AmountUSDMicro
	}
	chainByAuth := make(map[string]int64, len(deltas))
	var chainTotal int64
	for _, d := range deltas {
		chainByAuth[d.AuthID] += d.AmountUSDMicro
		chainTotal += d.AmountUSDMicro
	}

	authIDs := make(map[string]struct{}, len(issuerByAuth)+len(chainByAuth))
	for id := range issuerByAuth {
		authIDs[id] = struct{}{}
	}
	for id := range chainByAuth {
		authIDs[id] = struct{}{}
	}

	var diffs []AuthDiff
	for id := range authIDs {
		issuerAmt := issuerByAuth[id]
		chainAmt := chainByAuth[id]
		if issuerAmt == chainAmt {
			continue
		}
		diffs = append(diffs, AuthDiff{
			AuthID:         id,
			IssuerUSDMicro: issuerAmt,
			ChainUSDMicro:  chainAmt,
			DeltaUSDMicro:  chainAmt - issuerAmt,
		})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].AuthID < diffs[j].AuthID })

	divergenceBps := divergenceBps(issuerTotal, chainTotal)
	alert := abs64(divergenceBps) > r.thresholdBps
	metrics.Credit().ObserveReconcile(divergenceBps, alert)

	result := Result{
		Window:        window,
		IssuerTotal:   issuerTotal,
		ChainTotal:    chainTotal,
		DivergenceBps: divergenceBps,
		Alert:         alert,
		PerAuthDiffs:  diffs,
	}
	if alert {
		r.logger.Warn("reconcile: divergence above threshold",
			"window_start", window.Start, "window_end", window.End,
			"issuer_total", issuerTotal, "chain_total", chainTotal,
			"divergence_bps", divergenceBps, "diff_count", len(diffs))
		if r.alerter != nil {
			if err := r.alerter.NotifyDivergence(ctx, window, issuerTotal, chainTotal, divergenceBps); err != nil {
				r.logger.Error("reconcile: alert delivery failed", "error", err)
			}
		}
	}
	return result, nil
}

// divergenceBps computes (chain-issuer)/issuer in basis points; an empty
// issuer total with a non-zero chain total is reported as 10_000 bps (100%)
// rather than dividing by zero.
func divergenceBps(issuerTotal, chainTotal int64) int64 {
	if issuerTotal == 0 {
		if chainTotal == 0 {
			return 0
		}
		return 10_000
	}
	return (chainTotal - issuerTotal) * 10_000 / issuerTotal
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
