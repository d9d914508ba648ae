// Package cartapitest runs an in-process fake of the remote cart API.
package cartapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

var signingKey = []byte("cartapitest")

type line struct {
	id       string
	variant  string
	merchant string
	quantity int
	addons   string
}

type cart struct {
	id    string
	lines []*line
}

// Promo is a code the fake backend accepts.
type Promo struct {
	Discount    decimal.Decimal
	MinSubtotal decimal.Decimal
}

// Failure forces a response for a specific variant on POST /cart-items.
type Failure struct {
	Status  int
	Message string
}

// Backend keeps one cart per user with one line per variant. Adding a
// variant that is already in the cart sets its quantity.
type Backend struct {
	Server *httptest.Server

	mu          sync.Mutex
	carts       map[string]*cart
	tokens      map[string]string
	merchants   map[string]string
	prices      map[string]decimal.Decimal
	promos      map[string]Promo
	failAdd     map[string]Failure
	failAll     *Failure
	failFetch   *Failure
	taxPct      decimal.Decimal
	badTotals   bool
	nextID      int
	addCalls    map[string]int
	idemKeys    map[string]struct{}
	promoChecks int
}

func NewServer(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		carts:     make(map[string]*cart),
		tokens:    make(map[string]string),
		merchants: make(map[string]string),
		prices:    make(map[string]decimal.Decimal),
		promos:    make(map[string]Promo),
		failAdd:   make(map[string]Failure),
		addCalls:  make(map[string]int),
		idemKeys:  make(map[string]struct{}),
		taxPct:    decimal.NewFromInt(10),
	}
	b.Server = httptest.NewServer(b.routes())
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) URL() string { return b.Server.URL }

// Login issues a signed token whose subject is userID and registers it.
func (b *Backend) Login(userID string) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens[tok] = userID
	return tok
}

func (b *Backend) SetMerchant(variant, merchant string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.merchants[variant] = merchant
}

func (b *Backend) SetPrice(variant string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[variant] = price
}

func (b *Backend) AddPromo(code string, p Promo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promos[code] = p
}

func (b *Backend) FailAdd(variant string, f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAdd[variant] = f
}

func (b *Backend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAdd = make(map[string]Failure)
	b.failAll = nil
	b.failFetch = nil
}

// FailFetch makes GET /cart answer with f while mutations keep working.
func (b *Backend) FailFetch(f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFetch = &f
}

// FailEverything makes every route answer with f.
func (b *Backend) FailEverything(f Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failAll = &f
}

// CorruptTotals makes GET /cart report an overall amount that does not add up.
func (b *Backend) CorruptTotals() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.badTotals = true
}

func (b *Backend) AddCalls(variant string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addCalls[variant]
}

func (b *Backend) PromoChecks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.promoChecks
}

// Quantity returns the server-side quantity of variant in userID's cart.
func (b *Backend) Quantity(userID, variant string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.carts[userID]
	if c == nil {
		return 0
	}
	for _, l := range c.lines {
		if l.variant == variant {
			return l.quantity
		}
	}
	return 0
}

func (b *Backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(b.failAllMiddleware)
	r.Use(b.authMiddleware)
	r.Get("/cart/{user_id}", b.getCart)
	r.Post("/cart-items", b.addItem)
	r.Patch("/cart-items/{id}", b.updateItem)
	r.Delete("/cart-items/by-cart/{cart_id}", b.clearCart)
	r.Delete("/cart-items/{id}", b.removeItem)
	r.Post("/promo/validate", b.validatePromo)
	return r
}

func (b *Backend) failAllMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		f := b.failAll
		b.mu.Unlock()
		if f != nil {
			respond(w, f.Status, false, f.Message, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		b.mu.Lock()
		userID, ok := b.tokens[tok]
		b.mu.Unlock()
		if !ok {
			respond(w, http.StatusUnauthorized, false, "invalid token", nil)
			return
		}
		r.Header.Set("X-Test-User", userID)
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) getCart(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID != r.Header.Get("X-Test-User") {
		respond(w, http.StatusForbidden, false, "forbidden", nil)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if f := b.failFetch; f != nil {
		respond(w, f.Status, false, f.Message, nil)
		return
	}
	c := b.carts[userID]
	if c == nil {
		respond(w, http.StatusNotFound, false, "cart not found", nil)
		return
	}
	respond(w, http.StatusOK, true, "", b.renderLocked(userID, c))
}

func (b *Backend) addItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductVariantID string `json:"product_variant_id"`
		Quantity         int    `json:"quantity"`
		AddonIDs         string `json:"addon_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, false, "invalid JSON body", nil)
		return
	}
	userID := r.Header.Get("X-Test-User")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.addCalls[req.ProductVariantID]++
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if _, seen := b.idemKeys[key]; seen {
			respond(w, http.StatusOK, true, "Item already added", nil)
			return
		}
		b.idemKeys[key] = struct{}{}
	}
	if f, ok := b.failAdd[req.ProductVariantID]; ok {
		respond(w, f.Status, false, f.Message, nil)
		return
	}
	if req.Quantity <= 0 {
		respond(w, http.StatusBadRequest, false, "quantity must be positive", nil)
		return
	}

	c := b.carts[userID]
	if c == nil {
		b.nextID++
		c = &cart{id: fmt.Sprintf("cart-%d", b.nextID)}
		b.carts[userID] = c
	}
	for _, l := range c.lines {
		if l.variant == req.ProductVariantID {
			l.quantity = req.Quantity
			l.addons = req.AddonIDs
			respond(w, http.StatusOK, true, "Cart updated", nil)
			return
		}
	}
	b.nextID++
	c.lines = append(c.lines, &line{
		id:       fmt.Sprintf("line-%d", b.nextID),
		variant:  req.ProductVariantID,
		merchant: b.merchantLocked(req.ProductVariantID),
		quantity: req.Quantity,
		addons:   req.AddonIDs,
	})
	respond(w, http.StatusCreated, true, "Item added to cart", nil)
}

func (b *Backend) updateItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity <= 0 {
		respond(w, http.StatusBadRequest, false, "quantity must be positive", nil)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.findLineLocked(r.Header.Get("X-Test-User"), chi.URLParam(r, "id"))
	if l == nil {
		respond(w, http.StatusNotFound, false, "item not found in cart", nil)
		return
	}
	l.quantity = req.Quantity
	respond(w, http.StatusOK, true, "Quantity updated", nil)
}

func (b *Backend) removeItem(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-Test-User")
	id := chi.URLParam(r, "id")
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.carts[userID]
	if c != nil {
		for i, l := range c.lines {
			if l.id == id {
				c.lines = append(c.lines[:i], c.lines[i+1:]...)
				respond(w, http.StatusOK, true, "Item removed", nil)
				return
			}
		}
	}
	respond(w, http.StatusNotFound, false, "item not found in cart", nil)
}

func (b *Backend) clearCart(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-Test-User")
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.carts[userID]
	if c == nil || c.id != chi.URLParam(r, "cart_id") {
		respond(w, http.StatusNotFound, false, "cart not found", nil)
		return
	}
	c.lines = nil
	respond(w, http.StatusOK, true, "Cart cleared", nil)
}

func (b *Backend) validatePromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string          `json:"code"`
		Subtotal decimal.Decimal `json:"subtotal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, false, "invalid JSON body", nil)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoChecks++
	p, ok := b.promos[req.Code]
	if !ok {
		respond(w, http.StatusUnprocessableEntity, false, "Invalid promo code", nil)
		return
	}
	if req.Subtotal.LessThan(p.MinSubtotal) {
		respond(w, http.StatusUnprocessableEntity, false,
			fmt.Sprintf("Minimum order of %s required for %s", p.MinSubtotal.StringFixed(2), req.Code), nil)
		return
	}
	discount := p.Discount
	if discount.GreaterThan(req.Subtotal) {
		discount = req.Subtotal
	}
	respond(w, http.StatusOK, true, "Promo applied", map[string]any{
		"code":            req.Code,
		"discount_amount": discount,
	})
}

func (b *Backend) renderLocked(userID string, c *cart) map[string]any {
	items := make([]map[string]any, 0, len(c.lines))
	subtotal := decimal.Zero
	qty := 0
	for _, l := range c.lines {
		price := b.priceLocked(l.variant)
		total := price.Mul(decimal.NewFromInt(int64(l.quantity)))
		subtotal = subtotal.Add(total)
		qty += l.quantity
		items = append(items, map[string]any{
			"id":                 l.id,
			"product_variant_id": l.variant,
			"merchant_id":        l.merchant,
			"quantity":           l.quantity,
			"addon_ids":          l.addons,
			"unit_price":         price,
			"line_total":         total,
			"title":              "Item " + l.variant,
		})
	}
	tax := subtotal.Mul(b.taxPct).Div(decimal.NewFromInt(100)).Round(2)
	overall := subtotal.Add(tax)
	if b.badTotals {
		overall = overall.Add(decimal.NewFromInt(1))
	}
	return map[string]any{
		"id":             c.id,
		"user_id":        userID,
		"items":          items,
		"subtotal":       subtotal,
		"tax_amount":     tax,
		"tax_percentage": b.taxPct,
		"overall_amount": overall,
		"total_quantity": qty,
	}
}

func (b *Backend) findLineLocked(userID, id string) *line {
	c := b.carts[userID]
	if c == nil {
		return nil
	}
	for _, l := range c.lines {
		if l.id == id {
			return l
		}
	}
	return nil
}

func (b *Backend) merchantLocked(variant string) string {
	if m, ok := b.merchants[variant]; ok {
		return m
	}
	return "M1"
}

func (b *Backend) priceLocked(variant string) decimal.Decimal {
	if p, ok := b.prices[variant]; ok {
		return p
	}
	return decimal.NewFromInt(10)
}

func respond(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
		"data":    data,
	})
}
