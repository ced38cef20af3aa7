package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lumenex/exchange-core/pkg/models"
)

const recordKeyPrefix = "payment:verification:"

// RedisStore is a RecordStore backed by Redis, letting multiple nodes share
// the replay guard. SetNX makes PutIfAbsent atomic across processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the stored record for a signature, or nil if none exists.
func (s *RedisStore) Get(ctx context.Context, signature string) (*models.PaymentVerificationRecord, error) {
	raw, err := s.client.Get(ctx, recordKeyPrefix+signature).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var record models.PaymentVerificationRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode verification record: %w", err)
	}
	return &record, nil
}

// PutIfAbsent stores the record unless its signature is already present.
func (s *RedisStore) PutIfAbsent(ctx context.Context, record *models.PaymentVerificationRecord) (bool, error) {
	value, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode verification record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, recordKeyPrefix+record.TxSignature, value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
