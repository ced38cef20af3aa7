package payment

import (
	"context"
	"sync"

	"github.com/lumenex/exchange-core/pkg/models"
)

// MemoryStore is an in-process RecordStore, suitable for tests and
// single-node deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.PaymentVerificationRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.PaymentVerificationRecord)}
}

// Get returns the stored record for a signature, or nil if none exists.
func (s *MemoryStore) Get(ctx context.Context, signature string) (*models.PaymentVerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[signature]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

// PutIfAbsent stores the record unless its signature is already present.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, record *models.PaymentVerificationRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.TxSignature]; exists {
		return false, nil
	}
	copied := *record
	s.records[record.TxSignature] = &copied
	return true, nil
}
