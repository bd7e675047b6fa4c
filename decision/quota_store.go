package decision

import (
	"encoding/hex"
	"sync"

	common "cardcredit/native/common"
)

// MemoryQuotaStore is a mutex-guarded common.Store backing the per-owner
// authorization velocity cap. A single-instance deployment is sufficient
// since the quota only needs to survive for one epoch.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	entries map[string]common.QuotaNow
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{entries: make(map[string]common.QuotaNow)}
}

func quotaKey(module string, epoch uint64, addr []byte) string {
	return module + "|" + hex.EncodeToString(addr)
}

func (s *MemoryQuotaStore) Load(module string, epoch uint64, addr []byte) (common.QuotaNow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[quotaKey(module, epoch, addr)]
	return v, ok, nil
}

func (s *MemoryQuotaStore) Save(module string, epoch uint64, addr []byte, counters common.QuotaNow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[quotaKey(module, epoch, addr)] = counters
	return nil
}
