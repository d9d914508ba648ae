package cartapi

import (
	"encoding/json"
	"strings"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/shopspring/decimal"
)

type envelope struct {
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type addItemDTO struct {
	ProductVariantID string `json:"product_variant_id"`
	Quantity         int    `json:"quantity"`
	AddonIDs         string `json:"addon_ids"`
}

type updateItemDTO struct {
	Quantity int `json:"quantity"`
}

type promoRequestDTO struct {
	Code     string          `json:"code"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type promoDTO struct {
	Code           string          `json:"code"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type cartItemDTO struct {
	ID               string          `json:"id"`
	ProductVariantID string          `json:"product_variant_id"`
	MerchantID       string          `json:"merchant_id"`
	Quantity         int             `json:"quantity"`
	AddonIDs         string          `json:"addon_ids"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	LineTotal        decimal.Decimal `json:"line_total"`
	Title            string          `json:"title,omitempty"`
	Image            string          `json:"image,omitempty"`
	Description      string          `json:"description,omitempty"`
	Dietary          string          `json:"dietary,omitempty"`
	Rating           float64         `json:"rating,omitempty"`
}

type cartDTO struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Items         []cartItemDTO   `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	TaxPercentage decimal.Decimal `json:"tax_percentage"`
	OverallAmount decimal.Decimal `json:"overall_amount"`
	TotalQuantity int             `json:"total_quantity"`
}

func (d cartDTO) toSnapshot() *domain.ServerCartSnapshot {
	snap := &domain.ServerCartSnapshot{
		CartID:        d.ID,
		UserID:        d.UserID,
		LineItems:     make([]domain.ServerLineItem, 0, len(d.Items)),
		Subtotal:      d.Subtotal,
		TaxAmount:     d.TaxAmount,
		TaxPercentage: d.TaxPercentage,
		OverallAmount: d.OverallAmount,
		TotalQuantity: d.TotalQuantity,
	}
	for _, it := range d.Items {
		snap.LineItems = append(snap.LineItems, domain.ServerLineItem{
			LineID:           it.ID,
			ProductVariantID: it.ProductVariantID,
			MerchantID:       it.MerchantID,
			Quantity:         it.Quantity,
			AddonIDs:         splitAddons(it.AddonIDs),
			UnitPrice:        it.UnitPrice,
			LineTotal:        it.LineTotal,
			Metadata: domain.ItemMetadata{
				Title:       it.Title,
				Image:       it.Image,
				Description: it.Description,
				Dietary:     it.Dietary,
				Rating:      it.Rating,
			},
		})
	}
	return snap
}

// The cart API encodes addons as one comma-joined string. That encoding stays
// at this boundary; everything inside works with ordered slices.
func joinAddons(ids []string) string {
	return strings.Join(domain.NormalizeAddons(ids), ",")
}

func splitAddons(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return domain.NormalizeAddons(parts)
}
