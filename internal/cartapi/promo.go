package cartapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/shopspring/decimal"
)

// ValidatePromo prices code against subtotal. A code the server no longer
// accepts comes back as *domain.ServerRejection.
func (c *Client) ValidatePromo(ctx context.Context, code string, subtotal decimal.Decimal) (domain.PromoAttachment, error) {
	env, err := c.do(ctx, http.MethodPost, "/promo/validate", promoRequestDTO{Code: code, Subtotal: subtotal}, nil)
	if err != nil {
		return domain.PromoAttachment{}, fmt.Errorf("validate promo %s: %w", code, err)
	}
	var dto promoDTO
	if err := json.Unmarshal(env.Data, &dto); err != nil {
		return domain.PromoAttachment{}, fmt.Errorf("decode promo: %w", err)
	}
	if dto.Code == "" {
		dto.Code = code
	}
	return domain.PromoAttachment{
		Code:                 dto.Code,
		DiscountAmount:       dto.DiscountAmount,
		ValidAgainstSubtotal: subtotal,
	}, nil
}
