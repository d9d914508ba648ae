// Package session keeps one reconciliation engine per browser session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/storefront-cart/internal/auth"
	"github.com/fjod/storefront-cart/internal/cartapi"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/draft"
	"github.com/fjod/storefront-cart/internal/notify"
	"github.com/fjod/storefront-cart/internal/promo"
	"github.com/fjod/storefront-cart/internal/service"
	"github.com/fjod/storefront-cart/pkg/circuitbreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session bundles everything that belongs to one browser session.
type Session struct {
	ID      string
	Engine  *service.Engine
	Promo   *promo.Attacher
	Notices *notify.Queue
	Tokens  *auth.Holder

	lastSeen atomic.Int64
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

type Config struct {
	CartAPIURL       string
	HTTPClient       *http.Client
	Breaker          *cartapi.Breaker
	Persister        draft.Persister
	Kafka            notify.MessageWriter // optional
	PromoDelay       time.Duration
	MergeConcurrency int
	IdleTimeout      time.Duration
}

type Manager struct {
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*Session
	opening  singleflight.Group
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	if cfg.Persister == nil {
		cfg.Persister = draft.NewMemoryPersister()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = cartapi.NewHTTPClient(10 * time.Second)
	}
	if cfg.Breaker == nil {
		cfg.Breaker = cartapi.NewBreaker(circuitbreaker.DefaultConfig("cart-api"), log)
	}
	if cfg.PromoDelay <= 0 {
		cfg.PromoDelay = promo.DefaultDelay
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		log:      log.Named("session"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for id, opening it on first use.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("empty session id")
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch(m.now())
		return s, nil
	}

	v, err, _ := m.opening.Do(id, func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		s, err := m.open(ctx, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s = v.(*Session)
	s.touch(m.now())
	return s, nil
}

func (m *Manager) open(ctx context.Context, id string) (*Session, error) {
	log := m.log.With(zap.String("session_id", id))

	queue := notify.NewQueue(id)
	sinks := notify.Multi{queue, notify.NewLogSink(log)}
	if m.cfg.Kafka != nil {
		sinks = append(sinks, notify.NewKafkaSink(id, m.cfg.Kafka, log))
	}

	drafts, err := draft.Open(ctx, id, m.cfg.Persister, sinks, log)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", id, err)
	}

	tokens := &auth.Holder{}
	client := cartapi.New(m.cfg.CartAPIURL, tokens,
		cartapi.WithHTTPClient(m.cfg.HTTPClient),
		cartapi.WithBreaker(m.cfg.Breaker),
		cartapi.WithLogger(log))
	attacher := promo.NewAttacher(client, sinks,
		promo.WithDelay(m.cfg.PromoDelay),
		promo.WithLogger(log))

	opts := []service.Option{
		service.WithLogger(log),
		service.WithPromo(attacher),
		service.WithCredential(tokens),
	}
	if m.cfg.MergeConcurrency > 0 {
		opts = append(opts, service.WithMergeConcurrency(m.cfg.MergeConcurrency))
	}

	log.Debug("session opened", zap.Int("drafts", drafts.Len()))
	return &Session{
		ID:      id,
		Engine:  service.New(drafts, client, sinks, opts...),
		Promo:   attacher,
		Notices: queue,
		Tokens:  tokens,
	}, nil
}

// Login stores the bearer token for the session and merges its drafts into
// the cart of the token's subject.
func (m *Manager) Login(ctx context.Context, id, token string) (*service.MergeReport, error) {
	userID, err := auth.UserIDFromToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Engine.LoginWithToken(ctx, userID, token)
}

// Logout unlinks the session from its user. Drafts survive.
func (m *Manager) Logout(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Engine.OnLogout(ctx)
	return nil
}

// EvictIdle drops sessions not used for the idle timeout. Their drafts stay
// in the persister and are reloaded on the next request.
func (m *Manager) EvictIdle() int {
	now := m.now()
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince(now) >= m.cfg.IdleTimeout {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		if n := s.Notices.Count(notify.KindError); n > 0 {
			m.log.Debug("evicting session with undelivered errors",
				zap.String("session_id", s.ID),
				zap.Int("errors", n))
		}
		s.Promo.Close()
	}
	if len(idle) > 0 {
		m.log.Info("evicted idle sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Run evicts idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// RefreshUser re-reads the server cart of every live session signed in as
// userID and drops their promo codes. It returns how many sessions matched.
func (m *Manager) RefreshUser(ctx context.Context, userID string) int {
	m.mu.Lock()
	var matched []*Session
	for _, s := range m.sessions {
		if s.Engine.UserID() == userID {
			matched = append(matched, s)
		}
	}
	m.mu.Unlock()

	for _, s := range matched {
		s.Promo.Reset()
		if err := s.Engine.Refresh(ctx); err != nil {
			m.log.Warn("refresh after checkout failed",
				zap.String("session_id", s.ID),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}
	return len(matched)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session's background work.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Promo.Close()
	}
}
