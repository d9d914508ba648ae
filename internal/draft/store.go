package draft

import (
	"context"
	"fmt"
	"sync"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/notify"
	"go.uber.org/zap"
)

// All is the Remove key that clears the whole draft set.
const All = "all"

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Quantity *int
	AddonIDs []string
}

// Store holds the draft lines of one anonymous session. Every mutation
// persists the new list first and only then swaps it in, so a failed save
// leaves the previous list untouched.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	items     []domain.DraftLineItem
	persist   Persister
	sink      notify.Sink
	log       *zap.Logger
}

// Open loads any drafts previously persisted for sessionID.
func Open(ctx context.Context, sessionID string, persist Persister, sink notify.Sink, log *zap.Logger) (*Store, error) {
	if persist == nil {
		persist = NewMemoryPersister()
	}
	if sink == nil {
		sink = notify.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	items, err := persist.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	return &Store{
		sessionID: sessionID,
		items:     items,
		persist:   persist,
		sink:      sink,
		log:       log.Named("draft").With(zap.String("session_id", sessionID)),
	}, nil
}

// AddOrReplace inserts item, or replaces the line with the same variant.
// An item from a different merchant fails with ErrMerchantConflict and
// nothing changes.
func (s *Store) AddOrReplace(ctx context.Context, item domain.DraftLineItem) error {
	if err := item.Validate(); err != nil {
		s.sink.Error(ctx, domain.UserMessage(err, "Could not add item"))
		return err
	}
	item = item.Clone()
	item.AddonIDs = domain.NormalizeAddons(item.AddonIDs)

	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.merchantLocked(); m != "" && m != item.MerchantID {
		s.log.Info("merchant conflict",
			zap.String("cart_merchant", m),
			zap.String("item_merchant", item.MerchantID))
		s.sink.Error(ctx, domain.UserMessage(domain.ErrMerchantConflict, ""))
		return domain.ErrMerchantConflict
	}

	next := cloneItems(s.items)
	replaced := false
	for i := range next {
		if next[i].ProductVariantID == item.ProductVariantID {
			next[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, item)
	}

	if err := s.commitLocked(ctx, next); err != nil {
		s.sink.Error(ctx, "Could not save your cart, please try again")
		return err
	}
	if replaced {
		s.sink.Success(ctx, addedMessage(item, "Cart updated"))
	} else {
		s.sink.Success(ctx, addedMessage(item, "Item added to cart"))
	}
	return nil
}

// Update patches quantity and/or addons of an existing line. Unknown
// variants are ignored.
func (s *Store) Update(ctx context.Context, variantID string, patch Patch) error {
	if patch.Quantity != nil && *patch.Quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(variantID)
	if idx < 0 {
		return nil
	}
	next := cloneItems(s.items)
	if patch.Quantity != nil {
		next[idx].Quantity = *patch.Quantity
	}
	if patch.AddonIDs != nil {
		next[idx].AddonIDs = domain.NormalizeAddons(patch.AddonIDs)
	}
	return s.commitLocked(ctx, next)
}

// Remove drops one line, or every line when variantID is All. Unknown
// variants are ignored.
func (s *Store) Remove(ctx context.Context, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if variantID == All {
		if len(s.items) == 0 {
			return nil
		}
		return s.commitLocked(ctx, nil)
	}

	idx := s.indexLocked(variantID)
	if idx < 0 {
		return nil
	}
	next := make([]domain.DraftLineItem, 0, len(s.items)-1)
	next = append(next, cloneItems(s.items[:idx])...)
	next = append(next, cloneItems(s.items[idx+1:])...)
	return s.commitLocked(ctx, next)
}

// RemoveMany drops every listed variant in one write.
func (s *Store) RemoveMany(ctx context.Context, variantIDs []string) error {
	if len(variantIDs) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(variantIDs))
	for _, id := range variantIDs {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]domain.DraftLineItem, 0, len(s.items))
	for _, it := range s.items {
		if _, ok := drop[it.ProductVariantID]; !ok {
			next = append(next, it.Clone())
		}
	}
	if len(next) == len(s.items) {
		return nil
	}
	return s.commitLocked(ctx, next)
}

// List returns a copy of the drafts in insertion order.
func (s *Store) List() []domain.DraftLineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.items)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// MerchantID is the merchant every draft belongs to, or "" when empty.
func (s *Store) MerchantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merchantLocked()
}

func (s *Store) merchantLocked() string {
	if len(s.items) == 0 {
		return ""
	}
	return s.items[0].MerchantID
}

func (s *Store) indexLocked(variantID string) int {
	for i, it := range s.items {
		if it.ProductVariantID == variantID {
			return i
		}
	}
	return -1
}

func (s *Store) commitLocked(ctx context.Context, next []domain.DraftLineItem) error {
	if err := s.persist.Save(ctx, s.sessionID, next); err != nil {
		s.log.Error("persist drafts failed", zap.Error(err))
		return fmt.Errorf("persist drafts: %w", err)
	}
	s.items = next
	return nil
}

func addedMessage(item domain.DraftLineItem, fallback string) string {
	if item.Metadata.Title == "" {
		return fallback
	}
	return fmt.Sprintf("%s: %s", fallback, item.Metadata.Title)
}
