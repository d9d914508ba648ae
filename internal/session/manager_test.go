package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/storefront-cart/internal/auth"
	"github.com/fjod/storefront-cart/internal/cartapi/cartapitest"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/draft"
	"github.com/fjod/storefront-cart/internal/notify"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingWriter struct {
	m    sync.Mutex
	msgs []kafka.Message
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.m.Lock()
	defer w.m.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) count() int {
	w.m.Lock()
	defer w.m.Unlock()
	return len(w.msgs)
}

func newManager(t *testing.T, cfg Config) (*Manager, *cartapitest.Backend) {
	t.Helper()
	backend := cartapitest.NewServer(t)
	cfg.CartAPIURL = backend.URL()
	m := NewManager(cfg, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m, backend
}

func item(variant string, qty int) domain.DraftLineItem {
	return domain.DraftLineItem{
		ProductVariantID: variant,
		MerchantID:       "M1",
		Quantity:         qty,
		UnitPrice:        decimal.NewFromInt(10),
	}
}

func TestManager_GetReturnsSameSession(t *testing.T) {
	m, _ := newManager(t, Config{})
	ctx := context.Background()

	a, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	b, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	c, err := m.Get(ctx, "s2")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, m.Len())

	_, err = m.Get(ctx, "")
	assert.Error(t, err)
}

func TestManager_ConcurrentGetOpensOnce(t *testing.T) {
	m, _ := newManager(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Session, 20)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Get(ctx, "s1")
			assert.NoError(t, err)
			got[i] = s
		}()
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
}

func TestManager_DraftsSurviveEviction(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m, _ := newManager(t, Config{
		Persister:   draft.NewRedisPersister(rdb, time.Hour),
		IdleTimeout: time.Minute,
	})
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Engine.AddToCart(ctx, item("V1", 2)))

	assert.Zero(t, m.EvictIdle())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, m.EvictIdle())
	assert.Zero(t, m.Len())

	reopened, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, s, reopened)
	drafts := reopened.Engine.View().DraftItems
	require.Len(t, drafts, 1)
	assert.Equal(t, 2, drafts[0].Quantity)
}

func TestManager_LoginMergesAndLogoutKeepsDrafts(t *testing.T) {
	m, backend := newManager(t, Config{})
	ctx := context.Background()

	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Engine.AddToCart(ctx, item("V1", 1)))
	require.NoError(t, s.Engine.AddToCart(ctx, item("V3", 2)))

	report, err := m.Login(ctx, "s1", backend.Login("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"V1", "V3"}, report.Merged)
	assert.Equal(t, "u1", s.Engine.UserID())
	assert.Equal(t, 3, s.Engine.View().Snapshot.TotalQuantity)
	assert.Equal(t, 1, backend.Quantity("u1", "V1"))

	_, err = m.Login(ctx, "s1", backend.Login("u1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyAuthenticated)

	require.NoError(t, m.Logout(ctx, "s1"))
	assert.Equal(t, domain.StateAnonymous, s.Engine.State())
	_, err = s.Tokens.Token(ctx)
	assert.Error(t, err)
}

func TestManager_LoginRejectsBadToken(t *testing.T) {
	m, _ := newManager(t, Config{})
	_, err := m.Login(context.Background(), "s1", "not-a-jwt")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestManager_LoginWithUnknownTokenClearsCredential(t *testing.T) {
	m, backend := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Engine.AddToCart(ctx, item("V1", 1)))

	// a well-formed token the backend never issued
	tok := backend.Login("u1")
	backend.FailEverything(cartapitest.Failure{Status: 401, Message: "invalid token"})

	_, err = m.Login(ctx, "s1", tok)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, domain.StateAnonymous, s.Engine.State())
	_, err = s.Tokens.Token(ctx)
	assert.Error(t, err)
	assert.Len(t, s.Engine.View().DraftItems, 1)
}

func TestManager_ConcurrentLoginsKeepTokenAndUserPaired(t *testing.T) {
	m, backend := newManager(t, Config{})
	ctx := context.Background()
	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Engine.AddToCart(ctx, item("V1", 1)))

	users := []string{"u1", "u2"}
	tokens := []string{backend.Login("u1"), backend.Login("u2")}
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Login(ctx, "s1", tokens[i])
		}()
	}
	wg.Wait()

	var won int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyAuthenticated)
	}
	assert.Equal(t, 1, won)

	tok, err := s.Tokens.Token(ctx)
	require.NoError(t, err)
	subject, err := auth.UserIDFromToken(tok)
	require.NoError(t, err)
	assert.Equal(t, s.Engine.UserID(), subject)
	assert.Equal(t, 1, backend.Quantity(subject, "V1"))
}

func TestManager_NotificationsFanOut(t *testing.T) {
	w := &recordingWriter{}
	m, _ := newManager(t, Config{Kafka: w})
	ctx := context.Background()

	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, s.Engine.AddToCart(ctx, item("V1", 1)))

	notes := s.Notices.Drain()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindSuccess, notes[0].Kind)
	assert.Equal(t, "s1", notes[0].SessionID)
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_RefreshUserAfterCheckout(t *testing.T) {
	m, backend := newManager(t, Config{})
	ctx := context.Background()

	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	other, err := m.Get(ctx, "s2")
	require.NoError(t, err)
	_, err = m.Login(ctx, "s1", backend.Login("u1"))
	require.NoError(t, err)
	require.NoError(t, s.Engine.AddToCart(ctx, item("V1", 2)))
	require.Equal(t, 2, s.Engine.View().Snapshot.TotalQuantity)

	// checkout empties the cart on the server side
	tok := backend.Login("u1")
	req, err := http.NewRequest(http.MethodDelete, backend.URL()+"/cart-items/by-cart/"+s.Engine.View().Snapshot.CartID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, 1, m.RefreshUser(ctx, "u1"))
	assert.True(t, s.Engine.View().IsEmpty())
	assert.Equal(t, domain.StateAnonymous, other.Engine.State())
	assert.Zero(t, m.RefreshUser(ctx, "nobody"))
}
