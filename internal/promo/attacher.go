// Package promo keeps an applied promo code priced against the live cart subtotal.
package promo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultDelay = 500 * time.Millisecond

var ErrNoPromo = errors.New("no promo code applied")

// Validator prices a promo code against a subtotal.
type Validator interface {
	ValidatePromo(ctx context.Context, code string, subtotal decimal.Decimal) (domain.PromoAttachment, error)
}

// Attacher owns the session's promo attachment. A subtotal change marks the
// attachment stale and schedules a debounced re-validation; until it lands,
// Trusted refuses the attachment.
type Attacher struct {
	mu        sync.RWMutex
	validator Validator
	sink      notify.Sink
	log       *zap.Logger
	current   *domain.PromoAttachment
	debounce  *debouncer
	timeout   time.Duration
}

type Option func(*Attacher)

func WithDelay(d time.Duration) Option {
	return func(a *Attacher) { a.debounce = newDebouncer(d) }
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Attacher) { a.log = log }
}

func NewAttacher(v Validator, sink notify.Sink, opts ...Option) *Attacher {
	a := &Attacher{
		validator: v,
		sink:      sink,
		debounce:  newDebouncer(DefaultDelay),
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.sink == nil {
		a.sink = notify.Discard{}
	}
	a.log = a.log.Named("promo")
	return a
}

// Apply validates code against subtotal right away.
func (a *Attacher) Apply(ctx context.Context, code string, subtotal decimal.Decimal) (domain.PromoAttachment, error) {
	if code == "" {
		return domain.PromoAttachment{}, ErrNoPromo
	}
	a.debounce.Cancel()

	att, err := a.validator.ValidatePromo(ctx, code, subtotal)
	if err != nil {
		a.sink.Error(ctx, domain.UserMessage(err, "Could not apply promo code"))
		return domain.PromoAttachment{}, err
	}

	a.mu.Lock()
	a.current = &att
	a.mu.Unlock()
	a.sink.Success(ctx, fmt.Sprintf("Promo %s applied", att.Code))
	return att, nil
}

// SubtotalChanged supersedes any pending re-validation and, if the
// attachment was priced for a different subtotal, schedules a new one.
func (a *Attacher) SubtotalChanged(subtotal decimal.Decimal) {
	a.debounce.Cancel()
	a.mu.RLock()
	cur := a.current
	a.mu.RUnlock()

	if cur == nil || !cur.IsStale(subtotal) {
		return
	}
	code := cur.Code
	a.debounce.Schedule(func(ctx context.Context, gen uint64) {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		a.reapply(ctx, code, subtotal, gen)
	})
}

// Reapply re-validates code against subtotal immediately.
func (a *Attacher) Reapply(ctx context.Context, code string, subtotal decimal.Decimal) error {
	a.debounce.Cancel()
	return a.reapply(ctx, code, subtotal, 0)
}

func (a *Attacher) reapply(ctx context.Context, code string, subtotal decimal.Decimal, gen uint64) error {
	att, err := a.validator.ValidatePromo(ctx, code, subtotal)

	if gen != 0 && !a.debounce.Current(gen) {
		a.log.Debug("discarding superseded promo validation", zap.String("code", code))
		return nil
	}

	a.mu.Lock()
	if a.current == nil || a.current.Code != code {
		a.mu.Unlock()
		return ErrNoPromo
	}

	var rej *domain.ServerRejection
	switch {
	case err == nil:
		a.current = &att
		a.mu.Unlock()
		a.log.Debug("promo revalidated",
			zap.String("code", code),
			zap.String("subtotal", subtotal.String()),
			zap.String("discount", att.DiscountAmount.String()))
		return nil
	case errors.As(err, &rej):
		a.current = nil
		a.mu.Unlock()
		a.log.Info("promo dropped", zap.String("code", code), zap.Error(err))
		a.sink.Error(ctx, domain.UserMessage(err, "Promo code removed"))
		return err
	default:
		// Keep the attachment; it stays stale and untrusted until a later
		// validation succeeds.
		a.mu.Unlock()
		if errors.Is(err, context.Canceled) {
			return err
		}
		a.log.Warn("promo revalidation failed", zap.String("code", code), zap.Error(err))
		a.sink.Error(ctx, domain.UserMessage(err, "Could not refresh promo code"))
		return err
	}
}

// Current returns the attachment, stale or not.
func (a *Attacher) Current() *domain.PromoAttachment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil {
		return nil
	}
	c := *a.current
	return &c
}

// Trusted returns the attachment only if it was priced for subtotal.
func (a *Attacher) Trusted(subtotal decimal.Decimal) (domain.PromoAttachment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current == nil || a.current.IsStale(subtotal) {
		return domain.PromoAttachment{}, false
	}
	return *a.current, true
}

// Remove drops the attachment on user request.
func (a *Attacher) Remove(ctx context.Context) {
	a.debounce.Cancel()
	a.mu.Lock()
	had := a.current != nil
	a.current = nil
	a.mu.Unlock()
	if had {
		a.sink.Success(ctx, "Promo code removed")
	}
}

// Reset silently drops the attachment when the cart is cleared or the user logs out.
func (a *Attacher) Reset() {
	a.debounce.Cancel()
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
}

func (a *Attacher) Close() {
	a.debounce.Close()
}
