package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

const defaultKeyPrefix = "saga:"

// RedisPersistence stores saga states as JSON values under a key prefix,
// giving crash recovery across processes sharing one Redis.
type RedisPersistence struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPersistence wraps an existing client.
func NewRedisPersistence(client *redis.Client, keyPrefix string) *RedisPersistence {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisPersistence{client: client, keyPrefix: keyPrefix}
}

func (p *RedisPersistence) key(sagaID string) string {
	return p.keyPrefix + sagaID
}

func (p *RedisPersistence) Save(ctx context.Context, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("saga: encode state: %w", err)
	}
	if err := p.client.Set(ctx, p.key(state.SagaID), data, 0).Err(); err != nil {
		return fmt.Errorf("saga: save state: %w", err)
	}
	return nil
}

func (p *RedisPersistence) Load(ctx context.Context, sagaID string) (*State, error) {
	data, err := p.client.Get(ctx, p.key(sagaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nexuserr.NotFound("saga", sagaID)
		}
		return nil, fmt.Errorf("saga: load state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("saga: decode state: %w", err)
	}
	return &state, nil
}

func (p *RedisPersistence) Delete(ctx context.Context, sagaID string) error {
	if err := p.client.Del(ctx, p.key(sagaID)).Err(); err != nil {
		return fmt.Errorf("saga: delete state: %w", err)
	}
	return nil
}

func (p *RedisPersistence) GetIncomplete(ctx context.Context) ([]State, error) {
	var out []State
	iter := p.client.Scan(ctx, 0, p.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := p.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("saga: scan states: %w", err)
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		if !state.Status.Terminal() {
			out = append(out, state)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("saga: scan states: %w", err)
	}
	return out, nil
}

func (p *RedisPersistence) Clear(ctx context.Context) error {
	iter := p.client.Scan(ctx, 0, p.keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("saga: clear states: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("saga: clear states: %w", err)
	}
	return nil
}
