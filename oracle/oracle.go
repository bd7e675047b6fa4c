// Package oracle defines the price-feed adapter boundary and the
// staleness/confidence gating the credit engine applies before any
// borrow-increasing operation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Status mirrors the PriceStatus gate (OK, Stale, LowConfidence) plus
// Unavailable for a missing quote: a read-only view may surface Stale or
// LowConfidence, but the engine never proceeds with a borrow-increasing op
// under either.
type Status uint8

const (
	StatusOK Status = iota
	StatusStale
	StatusLowConfidence
	StatusUnavailable
)

var (
	// ErrStalePrice is returned when now-publish_ts exceeds MaxStaleness.
	ErrStalePrice = errors.New("oracle: price stale")
	// ErrLowConfidence is returned when confidence_bps exceeds MaxConfidenceBps.
	ErrLowConfidence = errors.New("oracle: confidence too low")
	// ErrUnavailable is returned when the adapter has no quote for the asset.
	ErrUnavailable = errors.New("oracle: price unavailable")
)

// Quote is the adapter's raw answer for one asset: price_ray, publish_ts,
// confidence_bps as named in the external interface.
type Quote struct {
	AssetID       string
	PriceRay      *big.Int
	PublishTSUnix int64
	ConfidenceBps uint16
}

// Adapter is the external collaborator boundary: price discovery is out of
// scope for this protocol and is defined only by this interface.
type Adapter interface {
	GetPrice(ctx context.Context, assetID string) (Quote, error)
	ListAssets(ctx context.Context) ([]string, error)
}

// Gate wraps an Adapter with the staleness and confidence policy the engine
// enforces before any op that can increase debt or release collateral.
type Gate struct {
	adapter          Adapter
	maxStaleSeconds  int64
	maxConfidenceBps uint16
}

// DefaultMaxStaleSeconds matches the config default named for the oracle
// adapter contract.
const DefaultMaxStaleSeconds = 30

func NewGate(adapter Adapter, maxStaleSeconds int64, maxConfidenceBps uint16) *Gate {
	if maxStaleSeconds <= 0 {
		maxStaleSeconds = DefaultMaxStaleSeconds
	}
	return &Gate{adapter: adapter, maxStaleSeconds: maxStaleSeconds, maxConfidenceBps: maxConfidenceBps}
}

// PriceUSDRay fetches and gates a quote, returning (quote, Status, error).
// A non-OK status on a read-only view should be surfaced, not hidden; a
// borrow-increasing caller must treat any non-nil error as fatal to the op.
func (g *Gate) PriceUSDRay(ctx context.Context, assetID string, now int64) (Quote, Status, error) {
	if g == nil || g.adapter == nil {
		return Quote{}, StatusUnavailable, ErrUnavailable
	}
	quote, err := g.adapter.GetPrice(ctx, assetID)
	if err != nil {
		return Quote{}, StatusUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	age := now - quote.PublishTSUnix
	if age > g.maxStaleSeconds {
		return quote, StatusStale, ErrStalePrice
	}
	if g.maxConfidenceBps > 0 && quote.ConfidenceBps > g.maxConfidenceBps {
		return quote, StatusLowConfidence, ErrLowConfidence
	}
	return quote, StatusOK, nil
}
