package reconcile

import (
	"context"
	"sync"
	"time"
)

// MemoryChainSource is an in-process, append-only ChainSource: the queue
// records each successfully submitted record_debt/repay_debt job against
// it (repay recorded as a negative delta) so reconciliation has something
// to compare the issuer's settlement log against without a separate
// on-chain audit index.
type MemoryChainSource struct {
	mu      sync.Mutex
	entries []ChainDebit
	at      []time.Time
}

func NewMemoryChainSource() *MemoryChainSource {
	return &MemoryChainSource{}
}

// RecordDebtDelta appends one on-chain debt-increasing (or, for a repay,
// debt-decreasing) delta attributed to authID.
func (s *MemoryChainSource) RecordDebtDelta(authID string, amountUSDMicro int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, ChainDebit{AuthID: authID, AmountUSDMicro: amountUSDMicro})
	s.at = append(s.at, time.Now())
}

func (s *MemoryChainSource) DebtDeltas(_ context.Context, window Window) ([]ChainDebit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChainDebit, 0, len(s.entries))
	for i, e := range s.entries {
		if s.at[i].Before(window.Start) || s.at[i].After(window.End) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// MemoryIssuerSource is the IssuerSource counterpart: the decision core
// records each committed capture/refund against it as it forwards the
// matching job to the queue.
type MemoryIssuerSource struct {
	mu      sync.Mutex
	entries []IssuerCapture
	at      []time.Time
}

func NewMemoryIssuerSource() *MemoryIssuerSource {
	return &MemoryIssuerSource{}
}

func (s *MemoryIssuerSource) RecordCapture(authID string, amountUSDMicro int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, IssuerCapture{AuthID: authID, AmountUSDMicro: amountUSDMicro})
	s.at = append(s.at, time.Now())
}

func (s *MemoryIssuerSource) Captures(_ context.Context, window Window) ([]IssuerCapture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IssuerCapture, 0, len(s.entries))
	for i, c := range s.entries {
		if s.at[i].Before(window.Start) || s.at[i].After(window.End) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
