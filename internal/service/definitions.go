package service

import (
	"context"
	"errors"

	"github.com/fjod/storefront-cart/internal/cartapi"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/draft"
	"github.com/shopspring/decimal"
)

var ErrMergeIncomplete = errors.New("some draft items could not be merged")

// CartClient is the server cart the engine routes authenticated sessions to.
type CartClient interface {
	Fetch(ctx context.Context, userID string) (*domain.ServerCartSnapshot, error)
	AddItem(ctx context.Context, req cartapi.AddItemRequest) (cartapi.MutationResult, error)
	UpdateItem(ctx context.Context, lineID string, quantity int) (cartapi.MutationResult, error)
	RemoveItem(ctx context.Context, lineID string) (cartapi.MutationResult, error)
	Clear(ctx context.Context, cartID string) (cartapi.MutationResult, error)
}

// DraftStore is the local cart of an anonymous session.
type DraftStore interface {
	AddOrReplace(ctx context.Context, item domain.DraftLineItem) error
	Update(ctx context.Context, variantID string, patch draft.Patch) error
	Remove(ctx context.Context, variantID string) error
	RemoveMany(ctx context.Context, variantIDs []string) error
	List() []domain.DraftLineItem
	MerchantID() string
}

// PromoTracker follows the published subtotal.
type PromoTracker interface {
	SubtotalChanged(subtotal decimal.Decimal)
	Reset()
	Current() *domain.PromoAttachment
}

// Credential is the bearer token the cart client sends on the session's behalf.
type Credential interface {
	Set(token string)
	Clear()
}

type MergeFailure struct {
	ProductVariantID string `json:"product_variant_id"`
	Message          string `json:"message"`
	Err              error  `json:"-"`
}

// MergeReport lists the outcome of one merge pass, in draft order.
type MergeReport struct {
	Merged []string       `json:"merged"`
	Failed []MergeFailure `json:"failed"`
}

func (r *MergeReport) OK() bool {
	return r != nil && len(r.Failed) == 0
}
