package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fjod/storefront-cart/internal/cartapi"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/draft"
	"github.com/shopspring/decimal"
)

// mockCarts behaves like the cart API: one line per variant, adding a
// variant again sets its quantity.
type mockCarts struct {
	m         sync.Mutex
	cartID    string
	lines     []domain.ServerLineItem
	merchants map[string]string
	addErr    map[string]error
	fetchErr  error
	updateErr error
	removeErr error
	clearErr  error
	badTotals bool
	nextID    int
	addCalls  map[string]int
	fetches   int
	gate      chan struct{} // AddItem blocks until closed
}

func newMockCarts() *mockCarts {
	return &mockCarts{
		cartID:    "cart-1",
		merchants: map[string]string{},
		addErr:    map[string]error{},
		addCalls:  map[string]int{},
	}
}

func (m *mockCarts) Fetch(_ context.Context, userID string) (*domain.ServerCartSnapshot, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	snap := &domain.ServerCartSnapshot{CartID: m.cartID, UserID: userID, TaxPercentage: decimal.NewFromInt(10)}
	for _, l := range m.lines {
		l.LineTotal = l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		snap.LineItems = append(snap.LineItems, l)
		snap.Subtotal = snap.Subtotal.Add(l.LineTotal)
		snap.TotalQuantity += l.Quantity
	}
	snap.TaxAmount = snap.Subtotal.Div(decimal.NewFromInt(10))
	snap.OverallAmount = snap.Subtotal.Add(snap.TaxAmount)
	if m.badTotals {
		snap.OverallAmount = snap.OverallAmount.Add(decimal.NewFromInt(1))
	}
	if snap.LineItems == nil {
		snap.LineItems = []domain.ServerLineItem{}
	}
	return snap, nil
}

func (m *mockCarts) AddItem(_ context.Context, req cartapi.AddItemRequest) (cartapi.MutationResult, error) {
	m.m.Lock()
	gate := m.gate
	m.m.Unlock()
	if gate != nil {
		<-gate
	}

	m.m.Lock()
	defer m.m.Unlock()
	m.addCalls[req.ProductVariantID]++
	if err := m.addErr[req.ProductVariantID]; err != nil {
		return cartapi.MutationResult{}, err
	}
	for i := range m.lines {
		if m.lines[i].ProductVariantID == req.ProductVariantID {
			m.lines[i].Quantity = req.Quantity
			m.lines[i].AddonIDs = req.AddonIDs
			return cartapi.MutationResult{Message: "Cart updated"}, nil
		}
	}
	m.nextID++
	merchant := m.merchants[req.ProductVariantID]
	if merchant == "" {
		merchant = "M1"
	}
	m.lines = append(m.lines, domain.ServerLineItem{
		LineID:           fmt.Sprintf("line-%d", m.nextID),
		ProductVariantID: req.ProductVariantID,
		MerchantID:       merchant,
		Quantity:         req.Quantity,
		AddonIDs:         req.AddonIDs,
		UnitPrice:        decimal.NewFromInt(10),
	})
	return cartapi.MutationResult{Message: "Item added to cart"}, nil
}

func (m *mockCarts) UpdateItem(_ context.Context, lineID string, quantity int) (cartapi.MutationResult, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.updateErr != nil {
		return cartapi.MutationResult{}, m.updateErr
	}
	for i := range m.lines {
		if m.lines[i].LineID == lineID {
			m.lines[i].Quantity = quantity
			return cartapi.MutationResult{Message: "Quantity updated"}, nil
		}
	}
	return cartapi.MutationResult{}, &domain.ServerRejection{StatusCode: 404, Message: "item not found in cart"}
}

func (m *mockCarts) RemoveItem(_ context.Context, lineID string) (cartapi.MutationResult, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.removeErr != nil {
		return cartapi.MutationResult{}, m.removeErr
	}
	for i := range m.lines {
		if m.lines[i].LineID == lineID {
			m.lines = append(m.lines[:i], m.lines[i+1:]...)
			return cartapi.MutationResult{Message: "Item removed"}, nil
		}
	}
	return cartapi.MutationResult{}, &domain.ServerRejection{StatusCode: 404, Message: "item not found in cart"}
}

func (m *mockCarts) Clear(_ context.Context, cartID string) (cartapi.MutationResult, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.clearErr != nil {
		return cartapi.MutationResult{}, m.clearErr
	}
	m.lines = nil
	return cartapi.MutationResult{Message: "Cart cleared"}, nil
}

func (m *mockCarts) set(f func(m *mockCarts)) {
	m.m.Lock()
	defer m.m.Unlock()
	f(m)
}

func (m *mockCarts) quantity(variant string) int {
	m.m.Lock()
	defer m.m.Unlock()
	for _, l := range m.lines {
		if l.ProductVariantID == variant {
			return l.Quantity
		}
	}
	return 0
}

func (m *mockCarts) calls(variant string) int {
	m.m.Lock()
	defer m.m.Unlock()
	return m.addCalls[variant]
}

type mockPromo struct {
	m         sync.Mutex
	subtotals []decimal.Decimal
	resets    int
	current   *domain.PromoAttachment
}

func (p *mockPromo) SubtotalChanged(subtotal decimal.Decimal) {
	p.m.Lock()
	defer p.m.Unlock()
	p.subtotals = append(p.subtotals, subtotal)
}

func (p *mockPromo) Reset() {
	p.m.Lock()
	defer p.m.Unlock()
	p.resets++
	p.current = nil
}

func (p *mockPromo) Current() *domain.PromoAttachment {
	p.m.Lock()
	defer p.m.Unlock()
	return p.current
}

func (p *mockPromo) lastSubtotal() decimal.Decimal {
	p.m.Lock()
	defer p.m.Unlock()
	if len(p.subtotals) == 0 {
		return decimal.Zero
	}
	return p.subtotals[len(p.subtotals)-1]
}

// flakyPersister fails every Save while failSave is set.
type flakyPersister struct {
	*draft.MemoryPersister
	failSave atomic.Bool
}

func (p *flakyPersister) Save(ctx context.Context, sessionID string, items []domain.DraftLineItem) error {
	if p.failSave.Load() {
		return errors.New("redis: connection refused")
	}
	return p.MemoryPersister.Save(ctx, sessionID, items)
}
