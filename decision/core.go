// Package decision implements the two-phase authorization decision core:
// tentative decisioning on authorization.request against the read-only
// position cache, and exactly-once commit/refund via the on-chain
// submission queue. Debt is never mutated on the tentative leg.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"cardcredit/cache"
	"cardcredit/crypto"
	common "cardcredit/native/common"
	"cardcredit/observability/metrics"
	"cardcredit/queue"
	"cardcredit/webhook"
)

// Decline reasons; the strings are a stable external contract.
const (
	ReasonNoPosition        = "NO_POSITION"
	ReasonStalePosition     = "STALE_POSITION"
	ReasonInsufficientCredit = "INSUFFICIENT_CREDIT"
	ReasonHealthFactorLow   = "HEALTH_FACTOR_LOW"
	ReasonBlockedMCC        = "BLOCKED_MCC"
	ReasonCapExceeded       = "CAP_EXCEEDED"
	ReasonTimeout           = "TIMEOUT"
	ReasonProcessingError   = "PROCESSING_ERROR"
)

// DefaultMinHealthFactorBps is the minimum health factor an approval
// requires (1.10 expressed in bps).
const DefaultMinHealthFactorBps = 11_000

// DefaultSoftDeadline and DefaultHardDeadline bound decision latency:
// respond within the soft budget when possible, decline TIMEOUT past the
// hard ceiling.
const (
	DefaultSoftDeadline = 500 * time.Millisecond
	DefaultHardDeadline = 700 * time.Millisecond
)

// Response is the JSON body returned for authorization.request.
type Response struct {
	Approved            bool   `json:"approved"`
	DeclineReason       string `json:"decline_reason,omitempty"`
	AuthorizationAmount int64  `json:"authorization_amount,omitempty"`
}

// AckResponse is the generic body for all non-authorization.request events.
type AckResponse struct {
	Received bool `json:"received"`
}

// Config tunes the decision core's thresholds.
type Config struct {
	MinHealthFactorBps      uint64
	HardDeadline            time.Duration
	MaxAuthorizationUSDMicro int64 // 0 disables the per-transaction cap
	BlockedMCCs             map[string]struct{}

	// OwnerEpochQuota bounds how many authorization.request events and how
	// much cumulative USD-micro volume a single owner may present within
	// EpochSeconds; zero fields disable the corresponding check. This
	// guards against a compromised card being hammered with authorization
	// attempts distinct from the hard per-transaction cap above.
	OwnerEpochQuota common.Quota
}

// Core implements webhook.Handler, dispatching each event type to the
// decisioning or commit/refund path.
type Core struct {
	cfg        Config
	cache      cache.Store
	pending    PendingStore
	queue      *queue.Queue
	issuer     crypto.Address
	logger     *slog.Logger
	now        func() time.Time
	quotaStore common.Store
	captures   CaptureRecorder
}

// CaptureRecorder observes each committed capture or refund the decision
// core forwards to the on-chain queue, feeding the issuer side of
// reconciliation. A refund is reported as a negative amount.
type CaptureRecorder interface {
	RecordCapture(authID string, amountUSDMicro int64)
}

// WithCaptureRecorder attaches a reconciliation feed for committed
// captures/refunds, returning the same Core for chaining.
func (c *Core) WithCaptureRecorder(r CaptureRecorder) *Core {
	c.captures = r
	return c
}

func New(cfg Config, store cache.Store, pending PendingStore, q *queue.Queue, issuer crypto.Address, logger *slog.Logger) *Core {
	if cfg.MinHealthFactorBps == 0 {
		cfg.MinHealthFactorBps = DefaultMinHealthFactorBps
	}
	if cfg.HardDeadline <= 0 {
		cfg.HardDeadline = DefaultHardDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{cfg: cfg, cache: store, pending: pending, queue: q, issuer: issuer, logger: logger, now: time.Now, quotaStore: NewMemoryQuotaStore()}
}

// WithQuotaStore overrides the default in-memory velocity-quota backing
// store, returning the same Core for chaining.
func (c *Core) WithQuotaStore(store common.Store) *Core {
	c.quotaStore = store
	return c
}

var _ webhook.Handler = (*Core)(nil)

// Handle dispatches evt by event type.
func (c *Core) Handle(ctx context.Context, evt webhook.Event, idempotencyKey string) (any, bool, error) {
	start := c.now()
	switch evt.Type {
	case webhook.EventAuthorizationRequest:
		return c.decideAuthorizationRequest(ctx, evt, start), false, nil
	case webhook.EventAuthorizationAdvice:
		return AckResponse{Received: true}, false, nil
	case webhook.EventTransactionCreated, webhook.EventAuthorizationCapture:
		return c.commit(ctx, evt)
	case webhook.EventTransactionUpdated:
		return c.maybeRefund(ctx, evt)
	default:
		return AckResponse{Received: false}, false, fmt.Errorf("decision: unhandled event type %q", evt.Type)
	}
}

func (c *Core) decideAuthorizationRequest(ctx context.Context, evt webhook.Event, start time.Time) Response {
	authID := evt.AuthID()
	amount := evt.AmountUSDMicro()

	owner, err := c.cache.OwnerByCardToken(ctx, evt.Data.CardToken)
	if err != nil {
		return c.decline(authID, amount, ReasonNoPosition)
	}
	pos, err := c.cache.GetPosition(ctx, owner)
	if err != nil {
		return c.decline(authID, amount, ReasonNoPosition)
	}
	if pos.Stale(c.now(), cache.DefaultStalenessHorizon) {
		return c.decline(authID, amount, ReasonStalePosition)
	}

	if evt.Data.Merchant != nil {
		if _, blocked := c.cfg.BlockedMCCs[evt.Data.Merchant.Category]; blocked {
			return c.decline(authID, amount, ReasonBlockedMCC)
		}
	}
	if c.cfg.MaxAuthorizationUSDMicro > 0 && amount > c.cfg.MaxAuthorizationUSDMicro {
		return c.decline(authID, amount, ReasonCapExceeded)
	}
	if (c.cfg.OwnerEpochQuota.MaxRequestsPerMin > 0 || c.cfg.OwnerEpochQuota.MaxVolumePerEpoch > 0) && c.quotaStore != nil {
		epochSeconds := c.cfg.OwnerEpochQuota.EpochSeconds
		if epochSeconds == 0 {
			epochSeconds = 60
		}
		epoch := uint64(c.now().Unix()) / uint64(epochSeconds)
		volume := uint64(0)
		if amount > 0 {
			volume = uint64(amount)
		}
		if _, err := common.Apply(c.quotaStore, "authorization", epoch, owner.Bytes(), c.cfg.OwnerEpochQuota, 1, volume); err != nil {
			return c.decline(authID, amount, ReasonCapExceeded)
		}
	}

	if pos.HealthFactorBps != "" {
		hf, ok := new(big.Int).SetString(pos.HealthFactorBps, 10)
		if !ok {
			return c.decline(authID, amount, ReasonProcessingError)
		}
		if hf.Cmp(big.NewInt(int64(c.cfg.MinHealthFactorBps))) < 0 {
			return c.decline(authID, amount, ReasonHealthFactorLow)
		}
	}

	available, ok := new(big.Int).SetString(pos.AvailableCreditUSDMicro, 10)
	if !ok {
		return c.decline(authID, amount, ReasonProcessingError)
	}
	if available.Cmp(big.NewInt(amount)) < 0 {
		return c.decline(authID, amount, ReasonInsufficientCredit)
	}

	if c.now().Sub(start) > c.cfg.HardDeadline {
		return c.decline(authID, amount, ReasonTimeout)
	}

	c.pending.Put(authID, PendingAuthorization{
		AuthID:         authID,
		AmountUSDMicro: amount,
		Approved:       true,
		DecidedAt:      c.now(),
	})
	metrics.Credit().ObserveAuthDecision("approved")
	return Response{Approved: true, AuthorizationAmount: evt.Data.AmountMinor}
}

func (c *Core) decline(authID string, amount int64, reason string) Response {
	c.pending.Put(authID, PendingAuthorization{
		AuthID:         authID,
		AmountUSDMicro: amount,
		Approved:       false,
		Reason:         reason,
		DecidedAt:      c.now(),
	})
	metrics.Credit().ObserveAuthDecision(reason)
	return Response{Approved: false, DeclineReason: reason}
}

// commit handles transaction.created / authorization.capture: a missing
// or previously-declined PendingAuthorization is logged as a warning (no
// alert is sent) and never committed; an approved one is enqueued for on-chain record_debt with
// idempotency key (auth_id, "commit").
func (c *Core) commit(ctx context.Context, evt webhook.Event) (any, bool, error) {
	authID := evt.AuthID()
	pending, ok := c.pending.Get(authID)
	if !ok || !pending.Approved {
		c.logger.Warn("decision: capture with no matching approval", "auth_id", authID, "has_pending", ok)
		return AckResponse{Received: true}, false, nil
	}

	owner, err := c.cache.OwnerByCardToken(ctx, evt.Data.CardToken)
	if err != nil {
		c.logger.Error("decision: commit owner lookup failed", "auth_id", authID, "error", err)
		return AckResponse{Received: true}, false, nil
	}

	amount := evt.AmountUSDMicro()
	if c.queue != nil {
		job := queue.Job{
			Kind:           queue.KindRecordDebt,
			Owner:          owner,
			Caller:         c.issuer,
			AmountUSDMicro: big.NewInt(amount),
			AuthID:         authID,
			IdempotencyKey: authID + "|commit",
		}
		if err := c.queue.Enqueue(job); err != nil {
			c.logger.Error("decision: commit enqueue failed", "auth_id", authID, "error", err)
			return AckResponse{Received: true}, false, nil
		}
	}
	if c.captures != nil {
		c.captures.RecordCapture(authID, amount)
	}
	return AckResponse{Received: true}, false, nil
}

// maybeRefund handles transaction.updated with status REVERSED/REFUNDED,
// enqueuing a protocol-funded repay_debt on the owner's behalf.
func (c *Core) maybeRefund(ctx context.Context, evt webhook.Event) (any, bool, error) {
	if evt.Data.Status != "REVERSED" && evt.Data.Status != "REFUNDED" {
		return AckResponse{Received: true}, false, nil
	}
	authID := evt.AuthID()
	owner, err := c.cache.OwnerByCardToken(ctx, evt.Data.CardToken)
	if err != nil {
		c.logger.Error("decision: refund owner lookup failed", "auth_id", authID, "error", err)
		return AckResponse{Received: true}, false, nil
	}
	amount := evt.AmountUSDMicro()
	// The engine's per-position auth ring already holds authID from the
	// capture's record_debt, so the repay carries a distinct tag; the
	// reconciliation feed uses the same tag so both legs stay keyed alike.
	refundTag := "refund:" + authID
	if c.queue != nil {
		job := queue.Job{
			Kind:           queue.KindRepayDebt,
			Owner:          owner,
			AmountUSDMicro: big.NewInt(amount),
			AuthID:         refundTag,
			IdempotencyKey: authID + "|refund",
		}
		if err := c.queue.Enqueue(job); err != nil {
			c.logger.Error("decision: refund enqueue failed", "auth_id", authID, "error", err)
			return AckResponse{Received: true}, false, nil
		}
	}
	if c.captures != nil {
		c.captures.RecordCapture(refundTag, -amount)
	}
	return AckResponse{Received: true}, false, nil
}
