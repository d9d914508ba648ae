package cartapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fjod/storefront-cart/internal/auth"
	"github.com/fjod/storefront-cart/internal/cartapi/cartapitest"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/pkg/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tokenFor(token string) *auth.Holder {
	h := &auth.Holder{}
	h.Set(token)
	return h
}

func newTestClient(t *testing.T, b *cartapitest.Backend, token string) *Client {
	t.Helper()
	return New(b.URL(), tokenFor(token), WithLogger(zaptest.NewLogger(t)))
}

func TestFetch_NoCartReturnsEmptySnapshot(t *testing.T) {
	b := cartapitest.NewServer(t)
	c := newTestClient(t, b, b.Login("u1"))

	snap, err := c.Fetch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", snap.UserID)
	assert.Empty(t, snap.LineItems)
	assert.True(t, snap.Subtotal.IsZero())
}

func TestAddItemThenFetch(t *testing.T) {
	b := cartapitest.NewServer(t)
	b.SetPrice("V1", decimal.NewFromFloat(12.5))
	c := newTestClient(t, b, b.Login("u1"))
	ctx := context.Background()

	res, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V1", Quantity: 2, AddonIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "Item added to cart", res.Message)

	snap, err := c.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.LineItems, 1)
	li := snap.LineItems[0]
	assert.Equal(t, "V1", li.ProductVariantID)
	assert.Equal(t, "M1", li.MerchantID)
	assert.Equal(t, 2, li.Quantity)
	assert.Equal(t, []string{"a", "b"}, li.AddonIDs)
	assert.NotEmpty(t, li.LineID)
	assert.True(t, decimal.NewFromInt(25).Equal(snap.Subtotal))
	assert.True(t, decimal.NewFromFloat(2.5).Equal(snap.TaxAmount))
	assert.True(t, decimal.NewFromFloat(27.5).Equal(snap.OverallAmount))
	assert.Equal(t, 2, snap.TotalQuantity)
	assert.NoError(t, snap.CheckIntegrity())
}

func TestUpdateRemoveClear(t *testing.T) {
	b := cartapitest.NewServer(t)
	c := newTestClient(t, b, b.Login("u1"))
	ctx := context.Background()

	_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V1", Quantity: 1})
	require.NoError(t, err)
	_, err = c.AddItem(ctx, AddItemRequest{ProductVariantID: "V2", Quantity: 1})
	require.NoError(t, err)
	snap, err := c.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, snap.LineItems, 2)

	_, err = c.UpdateItem(ctx, snap.LineItems[0].LineID, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, b.Quantity("u1", "V1"))

	_, err = c.RemoveItem(ctx, snap.LineItems[1].LineID)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Quantity("u1", "V2"))

	_, err = c.Clear(ctx, snap.CartID)
	require.NoError(t, err)
	snap, err = c.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, snap.LineItems)
}

func TestErrorMapping(t *testing.T) {
	b := cartapitest.NewServer(t)
	ctx := context.Background()

	t.Run("bad token is unauthorized", func(t *testing.T) {
		c := newTestClient(t, b, "nope")
		_, err := c.Fetch(ctx, "u1")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("missing token is unauthorized", func(t *testing.T) {
		c := New(b.URL(), &auth.Holder{})
		_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V1", Quantity: 1})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("other user's cart is unauthorized", func(t *testing.T) {
		c := newTestClient(t, b, b.Login("u1"))
		_, err := c.Fetch(ctx, "u2")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("4xx is a server rejection with message", func(t *testing.T) {
		b.FailAdd("V9", cartapitest.Failure{Status: http.StatusConflict, Message: "Out of stock"})
		defer b.ClearFailures()
		c := newTestClient(t, b, b.Login("u1"))
		_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V9", Quantity: 1})
		var rej *domain.ServerRejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, "Out of stock", rej.Message)
		assert.Equal(t, http.StatusConflict, rej.StatusCode)
	})

	t.Run("5xx is unreachable", func(t *testing.T) {
		b.FailAdd("V8", cartapitest.Failure{Status: http.StatusBadGateway})
		defer b.ClearFailures()
		c := newTestClient(t, b, b.Login("u1"))
		_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V8", Quantity: 1})
		assert.ErrorIs(t, err, domain.ErrUnreachable)
	})
}

func TestUnreachable_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, tokenFor("t"))
	_, err := c.Fetch(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestUnreachable_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, tokenFor("t"), WithHTTPClient(NewHTTPClient(20*time.Millisecond)))
	_, err := c.Fetch(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestBreakerOpensOnlyOnUnreachable(t *testing.T) {
	b := cartapitest.NewServer(t)
	cfg := circuitbreaker.Config{Name: "test", MaxFailures: 2, OpenTimeout: time.Minute}
	breaker := NewBreaker(cfg, zaptest.NewLogger(t))
	c := New(b.URL(), tokenFor(b.Login("u1")), WithBreaker(breaker))
	ctx := context.Background()

	b.FailAdd("V1", cartapitest.Failure{Status: http.StatusUnprocessableEntity, Message: "nope"})
	for i := 0; i < 3; i++ {
		_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V1", Quantity: 1})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, breaker.State())

	b.FailEverything(cartapitest.Failure{Status: http.StatusServiceUnavailable})
	for i := 0; i < 2; i++ {
		_, err := c.Fetch(ctx, "u1")
		require.ErrorIs(t, err, domain.ErrUnreachable)
	}
	assert.Equal(t, gobreaker.StateOpen, breaker.State())

	b.ClearFailures()
	_, err := c.Fetch(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrUnreachable, "open breaker short-circuits")
}

func TestBreakerIgnoresCancelledCalls(t *testing.T) {
	b := cartapitest.NewServer(t)
	cfg := circuitbreaker.Config{Name: "test", MaxFailures: 2, OpenTimeout: time.Minute}
	breaker := NewBreaker(cfg, zaptest.NewLogger(t))
	c := New(b.URL(), tokenFor(b.Login("u1")), WithBreaker(breaker))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V1", Quantity: 1})
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, domain.ErrUnreachable)
	}
	assert.Equal(t, gobreaker.StateClosed, breaker.State())

	_, err := c.AddItem(context.Background(), AddItemRequest{ProductVariantID: "V1", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Quantity("u1", "V1"))
}

func TestFetch_ConcurrentCallsAllSucceed(t *testing.T) {
	b := cartapitest.NewServer(t)
	c := newTestClient(t, b, b.Login("u1"))
	ctx := context.Background()
	_, err := c.AddItem(ctx, AddItemRequest{ProductVariantID: "V1", Quantity: 3})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*domain.ServerCartSnapshot, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.Fetch(ctx, "u1")
			assert.NoError(t, err)
			results[i] = snap
		}(i)
	}
	wg.Wait()

	for _, snap := range results {
		require.NotNil(t, snap)
		assert.Equal(t, 3, snap.TotalQuantity)
	}
	// callers get independent copies
	results[0].LineItems[0].Quantity = 99
	assert.Equal(t, 3, results[1].LineItems[0].Quantity)
}

func TestValidatePromo(t *testing.T) {
	b := cartapitest.NewServer(t)
	b.AddPromo("SAVE5", cartapitest.Promo{Discount: decimal.NewFromInt(5), MinSubtotal: decimal.NewFromInt(50)})
	c := newTestClient(t, b, b.Login("u1"))
	ctx := context.Background()

	att, err := c.ValidatePromo(ctx, "SAVE5", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "SAVE5", att.Code)
	assert.True(t, decimal.NewFromInt(5).Equal(att.DiscountAmount))
	assert.True(t, decimal.NewFromInt(100).Equal(att.ValidAgainstSubtotal))

	_, err = c.ValidatePromo(ctx, "SAVE5", decimal.NewFromInt(20))
	var rej *domain.ServerRejection
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Message, "Minimum order")
}

func TestAddonEncoding(t *testing.T) {
	assert.Equal(t, "a,b,c", joinAddons([]string{"a", "b", "a", "c"}))
	assert.Equal(t, "", joinAddons(nil))
	assert.Equal(t, []string{"a", "b"}, splitAddons(" a, b ,a"))
	assert.Nil(t, splitAddons(""))
}
