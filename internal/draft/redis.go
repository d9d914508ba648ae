package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// RedisPersister stores each session's drafts as one JSON list under a
// session-scoped key. The TTL slides on every save.
type RedisPersister struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPersister(client *redis.Client, ttl time.Duration) *RedisPersister {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPersister{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisPersister) Load(ctx context.Context, sessionID string) ([]domain.DraftLineItem, error) {
	data, err := r.client.Get(ctx, draftKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var items []domain.DraftLineItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("unmarshal drafts failed: %w", err)
	}
	return items, nil
}

func (r *RedisPersister) Save(ctx context.Context, sessionID string, items []domain.DraftLineItem) error {
	if len(items) == 0 {
		return r.Delete(ctx, sessionID)
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal drafts failed: %w", err)
	}
	if err := r.client.Set(ctx, draftKey(sessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisPersister) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, draftKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func draftKey(sessionID string) string {
	return fmt.Sprintf("cart:draft:%s", sessionID)
}
