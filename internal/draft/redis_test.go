package draft

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a RedisPersister instance
func setupTestRedis(t *testing.T) (*RedisPersister, *miniredis.Miniredis, func()) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	p := NewRedisPersister(client, time.Hour)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return p, mr, cleanup
}

func TestRedisLoad_Success(t *testing.T) {
	p, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	items := []domain.DraftLineItem{
		{ProductVariantID: "V1", MerchantID: "M1", Quantity: 2},
		{ProductVariantID: "V2", MerchantID: "M1", Quantity: 1, AddonIDs: []string{"a"}},
	}
	data, _ := json.Marshal(items)
	mr.Set(draftKey("sess"), string(data))

	got, err := p.Load(context.Background(), "sess")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "V1", got[0].ProductVariantID)
	assert.Equal(t, []string{"a"}, got[1].AddonIDs)
}

func TestRedisLoad_MissingKeyIsEmpty(t *testing.T) {
	p, _, cleanup := setupTestRedis(t)
	defer cleanup()

	got, err := p.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisLoad_InvalidJSON(t *testing.T) {
	p, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	require.NoError(t, mr.Set(draftKey("sess"), `[{"product_variant_id":`))

	_, err := p.Load(context.Background(), "sess")
	require.ErrorContains(t, err, "unmarshal drafts failed")
}

func TestRedisSave_WithTTL(t *testing.T) {
	p, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	err := p.Save(context.Background(), "sess", []domain.DraftLineItem{
		{ProductVariantID: "V1", MerchantID: "M1", Quantity: 3},
	})
	require.NoError(t, err)

	stored, err := mr.Get(draftKey("sess"))
	require.NoError(t, err)
	var items []domain.DraftLineItem
	require.NoError(t, json.Unmarshal([]byte(stored), &items))
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Quantity)
	assert.Equal(t, time.Hour, mr.TTL(draftKey("sess")))
}

func TestRedisSave_EmptyDeletesKey(t *testing.T) {
	p, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	require.NoError(t, mr.Set(draftKey("sess"), "[]"))
	require.NoError(t, p.Save(context.Background(), "sess", nil))
	assert.False(t, mr.Exists(draftKey("sess")))
}

func TestRedisDelete_NonExistentKey(t *testing.T) {
	p, _, cleanup := setupTestRedis(t)
	defer cleanup()

	assert.NoError(t, p.Delete(context.Background(), "nonexistent"))
}

func TestRedisStore_SurvivesReopen(t *testing.T) {
	p, _, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	s, err := Open(ctx, "sess", p, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddOrReplace(ctx, item("V1", "M1", 2, "x")))

	reopened, err := Open(ctx, "sess", p, nil, nil)
	require.NoError(t, err)
	got := reopened.List()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Quantity)
	assert.True(t, decimal.NewFromInt(10).Equal(got[0].UnitPrice))
}

func TestDraftKey_Format(t *testing.T) {
	assert.Equal(t, "cart:draft:abc", draftKey("abc"))
}
