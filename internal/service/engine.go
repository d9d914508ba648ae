package service

import (
	"context"
	"errors"
	"sync"

	"github.com/fjod/storefront-cart/internal/cartapi"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/draft"
	"github.com/fjod/storefront-cart/internal/notify"
	"go.uber.org/zap"
)

const defaultMergeConcurrency = 4

// Engine is the only writer of a session's cart state. Anonymous sessions
// route to the draft store, authenticated ones to the server cart, and the
// drafts are merged into the server cart once per login.
type Engine struct {
	ops sync.Mutex // serialises commands

	mu       sync.RWMutex // guards the published state below
	state    domain.State
	userID   string
	snapshot *domain.ServerCartSnapshot

	drafts     DraftStore
	carts      CartClient
	sink       notify.Sink
	promo      PromoTracker
	creds      Credential
	log        *zap.Logger
	mergeLimit int
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithPromo(p PromoTracker) Option {
	return func(e *Engine) { e.promo = p }
}

// WithCredential lets the engine install the token at login and drop it
// whenever the session falls back to Anonymous.
func WithCredential(c Credential) Option {
	return func(e *Engine) { e.creds = c }
}

// WithMergeConcurrency bounds how many AddItem calls a merge pass has in flight.
func WithMergeConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mergeLimit = n
		}
	}
}

func New(drafts DraftStore, carts CartClient, sink notify.Sink, opts ...Option) *Engine {
	e := &Engine{
		state:      domain.StateAnonymous,
		snapshot:   domain.EmptySnapshot(),
		drafts:     drafts,
		carts:      carts,
		sink:       sink,
		mergeLimit: defaultMergeConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.sink == nil {
		e.sink = notify.Discard{}
	}
	e.log = e.log.Named("engine")
	return e
}

// View returns the current read-only cart view.
func (e *Engine) View() domain.CartView {
	e.mu.RLock()
	state, snap := e.state, e.snapshot.Clone()
	e.mu.RUnlock()

	v := domain.CartView{State: state}
	switch state {
	case domain.StateAnonymous:
		v.DraftItems = e.drafts.List()
		est := domain.DraftSubtotal(v.DraftItems)
		v.EstimatedSubtotal = &est
	case domain.StateMerging, domain.StateMergeFailed:
		v.Snapshot = snap
		v.PendingDrafts = e.drafts.List()
	default:
		v.Snapshot = snap
	}
	if e.promo != nil {
		v.Promo = e.promo.Current()
	}
	return v
}

func (e *Engine) State() domain.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) UserID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}

func (e *Engine) AddToCart(ctx context.Context, item domain.DraftLineItem) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	state, userID, snap := e.current()
	if !state.Authenticated() {
		return e.drafts.AddOrReplace(ctx, item)
	}

	if err := item.Validate(); err != nil {
		return e.fail(ctx, err, "Could not add item to cart")
	}
	snap, err := e.fresh(ctx, userID, snap, false)
	if err != nil {
		return e.fail(ctx, err, "Could not add item to cart")
	}
	if m := snap.MerchantID(); m != "" && m != item.MerchantID {
		e.log.Info("merchant conflict",
			zap.String("user_id", userID),
			zap.String("cart_merchant", m),
			zap.String("item_merchant", item.MerchantID))
		return e.fail(ctx, domain.ErrMerchantConflict, "")
	}

	res, err := e.carts.AddItem(ctx, cartapi.AddItemRequest{
		ProductVariantID: item.ProductVariantID,
		Quantity:         item.Quantity,
		AddonIDs:         item.AddonIDs,
	})
	if err != nil {
		return e.fail(ctx, err, "Could not add item to cart")
	}
	e.sink.Success(ctx, messageOr(res.Message, "Item added to cart"))
	e.readBack(ctx, userID)
	return nil
}

func (e *Engine) UpdateQuantity(ctx context.Context, variantID string, quantity int) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	if quantity <= 0 {
		return e.fail(ctx, domain.ErrInvalidQuantity, "Could not update quantity")
	}

	state, userID, snap := e.current()
	if !state.Authenticated() {
		if !containsDraft(e.drafts.List(), variantID) {
			return nil
		}
		if err := e.drafts.Update(ctx, variantID, draft.Patch{Quantity: &quantity}); err != nil {
			return e.fail(ctx, err, "Could not update quantity")
		}
		e.sink.Success(ctx, "Quantity updated")
		return nil
	}

	snap, err := e.fresh(ctx, userID, snap, false)
	if err != nil {
		return e.fail(ctx, err, "Could not update quantity")
	}
	line, ok := snap.FindByVariant(variantID)
	if !ok || line.Quantity == quantity {
		return nil
	}

	e.publishProvisional(snap, func(p *domain.ServerCartSnapshot) {
		for i := range p.LineItems {
			if p.LineItems[i].LineID == line.LineID {
				p.TotalQuantity += quantity - p.LineItems[i].Quantity
				p.LineItems[i].Quantity = quantity
			}
		}
	})
	res, err := e.carts.UpdateItem(ctx, line.LineID, quantity)
	if err != nil {
		e.rollback(snap)
		return e.fail(ctx, err, "Could not update quantity")
	}
	e.sink.Success(ctx, messageOr(res.Message, "Quantity updated"))
	e.readBack(ctx, userID)
	return nil
}

func (e *Engine) RemoveFromCart(ctx context.Context, variantID string) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	state, userID, snap := e.current()
	if !state.Authenticated() {
		if !containsDraft(e.drafts.List(), variantID) {
			return nil
		}
		if err := e.drafts.Remove(ctx, variantID); err != nil {
			return e.fail(ctx, err, "Could not remove item")
		}
		e.sink.Success(ctx, "Item removed from cart")
		return nil
	}

	snap, err := e.fresh(ctx, userID, snap, false)
	if err != nil {
		return e.fail(ctx, err, "Could not remove item")
	}
	line, ok := snap.FindByVariant(variantID)
	if !ok {
		return nil
	}

	e.publishProvisional(snap, func(p *domain.ServerCartSnapshot) {
		kept := p.LineItems[:0]
		for _, li := range p.LineItems {
			if li.LineID == line.LineID {
				p.TotalQuantity -= li.Quantity
				continue
			}
			kept = append(kept, li)
		}
		p.LineItems = kept
	})
	res, err := e.carts.RemoveItem(ctx, line.LineID)
	if err != nil {
		e.rollback(snap)
		return e.fail(ctx, err, "Could not remove item")
	}
	e.sink.Success(ctx, messageOr(res.Message, "Item removed from cart"))
	e.readBack(ctx, userID)
	return nil
}

// ClearCart empties whichever representation is active, plus any drafts
// left behind by a failed merge, and drops the promo attachment.
func (e *Engine) ClearCart(ctx context.Context) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	state, userID, snap := e.current()
	if !state.Authenticated() {
		if err := e.drafts.Remove(ctx, draft.All); err != nil {
			return e.fail(ctx, err, "Could not clear cart")
		}
		e.resetPromo()
		e.sink.Success(ctx, "Cart cleared")
		return nil
	}

	snap, err := e.fresh(ctx, userID, snap, true)
	if err != nil {
		return e.fail(ctx, err, "Could not clear cart")
	}
	msg := "Cart cleared"
	if snap.CartID != "" && !snap.IsEmpty() {
		res, err := e.carts.Clear(ctx, snap.CartID)
		if err != nil {
			return e.fail(ctx, err, "Could not clear cart")
		}
		msg = messageOr(res.Message, msg)
	}
	if err := e.drafts.Remove(ctx, draft.All); err != nil {
		// server side is already empty; leftover drafts can be cleared again
		e.log.Error("clear pending drafts failed", zap.Error(err))
	}
	e.setState(domain.StateAuthoritative)
	e.resetPromo()
	e.sink.Success(ctx, msg)

	if err := e.refreshLocked(ctx, userID); err != nil {
		empty := domain.EmptySnapshot()
		empty.CartID, empty.UserID, empty.Stale = snap.CartID, userID, true
		e.publish(empty)
	}
	return nil
}

// Refresh re-reads the authoritative cart.
func (e *Engine) Refresh(ctx context.Context) error {
	e.ops.Lock()
	defer e.ops.Unlock()

	state, userID, _ := e.current()
	if !state.Authenticated() {
		return domain.ErrNotAuthenticated
	}
	err := e.refreshLocked(ctx, userID)
	if errors.Is(err, domain.ErrUnauthorized) {
		e.sink.Error(ctx, domain.UserMessage(err, ""))
	}
	return err
}

// OnLogout returns the session to Anonymous. Drafts are left alone.
func (e *Engine) OnLogout(ctx context.Context) {
	e.ops.Lock()
	defer e.ops.Unlock()
	e.log.Info("logout", zap.String("user_id", e.UserID()))
	e.resetToAnonymous()
}

func (e *Engine) current() (domain.State, string, *domain.ServerCartSnapshot) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, e.userID, e.snapshot.Clone()
}

func (e *Engine) setState(s domain.State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.log.Debug("state change", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

func (e *Engine) resetToAnonymous() {
	e.mu.Lock()
	e.state = domain.StateAnonymous
	e.userID = ""
	e.snapshot = domain.EmptySnapshot()
	e.mu.Unlock()
	e.resetPromo()
	if e.creds != nil {
		e.creds.Clear()
	}
}

func (e *Engine) resetPromo() {
	if e.promo != nil {
		e.promo.Reset()
	}
}

// refreshLocked fetches and publishes the authoritative cart. On failure the
// last snapshot stays published, marked stale.
func (e *Engine) refreshLocked(ctx context.Context, userID string) error {
	snap, err := e.carts.Fetch(ctx, userID)
	if err != nil {
		e.log.Warn("fetch cart failed", zap.String("user_id", userID), zap.Error(err))
		e.markStale()
		return err
	}
	if ierr := snap.CheckIntegrity(); ierr != nil {
		snap.IntegrityWarning = true
		e.log.Warn("data integrity warning",
			zap.String("user_id", userID),
			zap.String("cart_id", snap.CartID),
			zap.String("subtotal", snap.Subtotal.String()),
			zap.String("tax_amount", snap.TaxAmount.String()),
			zap.String("overall_amount", snap.OverallAmount.String()))
	}
	e.publish(snap)
	return nil
}

// fresh returns snap, re-reading the server cart first when snap is stale.
// needCartID also re-reads a snapshot that has no cart id yet.
func (e *Engine) fresh(ctx context.Context, userID string, snap *domain.ServerCartSnapshot, needCartID bool) (*domain.ServerCartSnapshot, error) {
	if !snap.Stale && (!needCartID || snap.CartID != "") {
		return snap, nil
	}
	if err := e.refreshLocked(ctx, userID); err != nil {
		return nil, err
	}
	_, _, snap = e.current()
	return snap, nil
}

// readBack refreshes after a successful mutation. The mutation already
// happened, so a failed read is only logged.
func (e *Engine) readBack(ctx context.Context, userID string) {
	if err := e.refreshLocked(ctx, userID); err != nil {
		e.log.Warn("read-back after mutation failed", zap.Error(err))
	}
}

func (e *Engine) publish(snap *domain.ServerCartSnapshot) {
	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
	if e.promo != nil {
		e.promo.SubtotalChanged(snap.Subtotal)
	}
}

// publishProvisional shows the expected result of an in-flight mutation.
// Totals are left as they were; only the read-back reprices.
func (e *Engine) publishProvisional(base *domain.ServerCartSnapshot, apply func(*domain.ServerCartSnapshot)) {
	p := base.Clone()
	apply(p)
	e.mu.Lock()
	e.snapshot = p
	e.mu.Unlock()
}

func (e *Engine) rollback(prev *domain.ServerCartSnapshot) {
	e.mu.Lock()
	e.snapshot = prev
	e.mu.Unlock()
}

func (e *Engine) markStale() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.snapshot != nil {
		s := e.snapshot.Clone()
		s.Stale = true
		e.snapshot = s
	}
}

// fail surfaces exactly one error notification for a failed user action.
func (e *Engine) fail(ctx context.Context, err error, fallback string) error {
	e.log.Info("cart operation failed", zap.Error(err))
	e.sink.Error(ctx, domain.UserMessage(err, fallback))
	return err
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

func containsDraft(items []domain.DraftLineItem, variantID string) bool {
	for _, it := range items {
		if it.ProductVariantID == variantID {
			return true
		}
	}
	return false
}
