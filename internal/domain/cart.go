package domain

import (
	"github.com/shopspring/decimal"
)

// ItemMetadata holds denormalized display fields. Never authoritative.
type ItemMetadata struct {
	Title       string  `json:"title,omitempty"`
	Image       string  `json:"image,omitempty"`
	Description string  `json:"description,omitempty"`
	Dietary     string  `json:"dietary,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
}

// DraftLineItem is a cart line held locally before the server has confirmed it.
type DraftLineItem struct {
	ProductVariantID string          `json:"product_variant_id"`
	MerchantID       string          `json:"merchant_id"`
	Quantity         int             `json:"quantity"`
	AddonIDs         []string        `json:"addon_ids,omitempty"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Metadata         ItemMetadata    `json:"metadata"`
}

// Validate checks the fields every draft line must carry.
func (d DraftLineItem) Validate() error {
	if d.ProductVariantID == "" {
		return ErrMissingVariant
	}
	if d.MerchantID == "" {
		return ErrMissingMerchant
	}
	if d.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// Clone returns a deep copy so callers cannot alias the addon slice.
func (d DraftLineItem) Clone() DraftLineItem {
	d.AddonIDs = append([]string(nil), d.AddonIDs...)
	return d
}

// NormalizeAddons collapses duplicate addon ids, keeping the first occurrence.
func NormalizeAddons(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DraftSubtotal is an advisory estimate from snapshot unit prices. It is only
// ever shown to anonymous users and never used for money.
func DraftSubtotal(items []DraftLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

type ServerLineItem struct {
	LineID           string          `json:"line_id"`
	ProductVariantID string          `json:"product_variant_id"`
	MerchantID       string          `json:"merchant_id"`
	Quantity         int             `json:"quantity"`
	AddonIDs         []string        `json:"addon_ids,omitempty"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	LineTotal        decimal.Decimal `json:"line_total"`
	Metadata         ItemMetadata    `json:"metadata"`
}

// ServerCartSnapshot is the authoritative cart as returned by the remote API.
// It is always replaced wholesale, never patched.
type ServerCartSnapshot struct {
	CartID        string           `json:"cart_id,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	LineItems     []ServerLineItem `json:"line_items"`
	Subtotal      decimal.Decimal  `json:"subtotal"`
	TaxAmount     decimal.Decimal  `json:"tax_amount"`
	TaxPercentage decimal.Decimal  `json:"tax_percentage"`
	OverallAmount decimal.Decimal  `json:"overall_amount"`
	TotalQuantity int              `json:"total_quantity"`

	IntegrityWarning bool `json:"integrity_warning,omitempty"`
	Stale            bool `json:"stale,omitempty"`
}

func EmptySnapshot() *ServerCartSnapshot {
	return &ServerCartSnapshot{LineItems: []ServerLineItem{}}
}

// CheckIntegrity verifies overall == subtotal + tax. The result is advisory;
// the server figures are shown as-is either way.
func (s *ServerCartSnapshot) CheckIntegrity() error {
	if !s.OverallAmount.Equal(s.Subtotal.Add(s.TaxAmount)) {
		return ErrDataIntegrity
	}
	return nil
}

func (s *ServerCartSnapshot) IsEmpty() bool {
	return s == nil || len(s.LineItems) == 0
}

// MerchantID returns the merchant of the confirmed lines, or "" for an empty cart.
func (s *ServerCartSnapshot) MerchantID() string {
	if s == nil {
		return ""
	}
	for _, li := range s.LineItems {
		if li.MerchantID != "" {
			return li.MerchantID
		}
	}
	return ""
}

func (s *ServerCartSnapshot) FindByVariant(variantID string) (ServerLineItem, bool) {
	if s == nil {
		return ServerLineItem{}, false
	}
	for _, li := range s.LineItems {
		if li.ProductVariantID == variantID {
			return li, true
		}
	}
	return ServerLineItem{}, false
}

// Clone returns a deep copy safe to publish.
func (s *ServerCartSnapshot) Clone() *ServerCartSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.LineItems = make([]ServerLineItem, len(s.LineItems))
	for i, li := range s.LineItems {
		li.AddonIDs = append([]string(nil), li.AddonIDs...)
		c.LineItems[i] = li
	}
	return &c
}

// PromoAttachment is a promo code priced against a specific subtotal.
type PromoAttachment struct {
	Code                 string          `json:"code"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	ValidAgainstSubtotal decimal.Decimal `json:"valid_against_subtotal"`
}

// IsStale reports whether the live subtotal has moved away from the one the
// discount was computed for.
func (p PromoAttachment) IsStale(subtotal decimal.Decimal) bool {
	return !p.ValidAgainstSubtotal.Equal(subtotal)
}

// CartView is the read-only view handed to the UI layer.
type CartView struct {
	State         State               `json:"state"`
	DraftItems    []DraftLineItem     `json:"draft_items,omitempty"`
	Snapshot      *ServerCartSnapshot `json:"snapshot,omitempty"`
	PendingDrafts []DraftLineItem     `json:"pending_drafts,omitempty"`
	Promo         *PromoAttachment    `json:"promo,omitempty"`

	// EstimatedSubtotal is set for anonymous sessions only.
	EstimatedSubtotal *decimal.Decimal `json:"estimated_subtotal,omitempty"`
}

// IsEmpty reports whether the view has no lines in any representation.
func (v CartView) IsEmpty() bool {
	return len(v.DraftItems) == 0 && len(v.PendingDrafts) == 0 && v.Snapshot.IsEmpty()
}
