package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fjod/storefront-cart/internal/auth"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/internal/notify"
	"github.com/fjod/storefront-cart/internal/promo"
	"github.com/fjod/storefront-cart/internal/service"
	"github.com/fjod/storefront-cart/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CartHandler struct {
	sessions *session.Manager
	timeout  time.Duration
	log      *zap.Logger
}

func NewCartHandler(sessions *session.Manager, timeout time.Duration, log *zap.Logger) *CartHandler {
	return &CartHandler{
		sessions: sessions,
		timeout:  timeout,
		log:      log.Named("http"),
	}
}

type AddItemRequestDTO struct {
	ProductVariantID string              `json:"product_variant_id"`
	MerchantID       string              `json:"merchant_id"`
	Quantity         int                 `json:"quantity"`
	AddonIDs         []string            `json:"addon_ids"`
	UnitPrice        decimal.Decimal     `json:"unit_price"`
	Metadata         domain.ItemMetadata `json:"metadata"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type PromoRequestDTO struct {
	Code string `json:"code"`
}

// CartResponse carries the cart view plus any notifications raised since
// the last response.
type CartResponse struct {
	Cart          domain.CartView       `json:"cart"`
	PromoTrusted  bool                  `json:"promo_trusted"`
	Notifications []notify.Notification `json:"notifications"`
	Merge         *service.MergeReport  `json:"merge,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// callContext bounds a cart call by the handler timeout only. Once issued, a
// mutation or merge completes even if the client disconnects.
func (h *CartHandler) callContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	var req AddItemRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	err := s.Engine.AddToCart(ctx, domain.DraftLineItem{
		ProductVariantID: req.ProductVariantID,
		MerchantID:       req.MerchantID,
		Quantity:         req.Quantity,
		AddonIDs:         req.AddonIDs,
		UnitPrice:        req.UnitPrice,
		Metadata:         req.Metadata,
	})
	if err != nil {
		h.handleCartError(w, err, "Could not add item to cart")
		return
	}
	respondJSON(w, http.StatusCreated, cartResponse(s, nil))
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	variantID := chi.URLParam(r, "variant_id")
	var req UpdateQuantityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if err := s.Engine.UpdateQuantity(ctx, variantID, req.Quantity); err != nil {
		h.handleCartError(w, err, "Could not update quantity")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	if err := s.Engine.RemoveFromCart(ctx, chi.URLParam(r, "variant_id")); err != nil {
		h.handleCartError(w, err, "Could not remove item")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	if err := s.Engine.ClearCart(ctx); err != nil {
		h.handleCartError(w, err, "Could not clear cart")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func (h *CartHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	report, err := s.Engine.Sync(ctx)
	if err != nil && !errors.Is(err, service.ErrMergeIncomplete) {
		h.handleCartError(w, err, "Could not sync cart")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, report))
}

func (h *CartHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	if err := s.Engine.Refresh(ctx); err != nil {
		h.handleCartError(w, err, "Could not refresh cart")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func (h *CartHandler) ApplyPromo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	var req PromoRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	view := s.Engine.View()
	if !view.State.Authenticated() {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "sign in to apply a promo code")
		return
	}

	if _, err := s.Promo.Apply(ctx, req.Code, view.Snapshot.Subtotal); err != nil {
		h.handleCartError(w, err, "Could not apply promo code")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func (h *CartHandler) RemovePromo(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	s.Promo.Remove(r.Context())
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

// Login links the session to the bearer token's user and merges its drafts.
// A partial merge is still a successful login; the report lists what failed.
func (h *CartHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.callContext(r)
	defer cancel()
	s := sessionFromContext(ctx)

	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return
	}

	report, err := h.sessions.Login(ctx, s.ID, token)
	if err != nil && !errors.Is(err, service.ErrMergeIncomplete) {
		h.handleCartError(w, err, "Could not sign in")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, report))
}

func (h *CartHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	if err := h.sessions.Logout(r.Context(), s.ID); err != nil {
		h.handleCartError(w, err, "Could not sign out")
		return
	}
	respondJSON(w, http.StatusOK, cartResponse(s, nil))
}

func cartResponse(s *session.Session, report *service.MergeReport) CartResponse {
	view := s.Engine.View()
	resp := CartResponse{
		Cart:          view,
		Notifications: s.Notices.Drain(),
		Merge:         report,
	}
	if resp.Notifications == nil {
		resp.Notifications = []notify.Notification{}
	}
	if view.Snapshot != nil {
		_, resp.PromoTrusted = s.Promo.Trusted(view.Snapshot.Subtotal)
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleCartError converts engine errors to HTTP status codes.
func (h *CartHandler) handleCartError(w http.ResponseWriter, err error, fallback string) {
	var httpStatus int
	var code string
	var rej *domain.ServerRejection

	switch {
	case domain.IsValidation(err):
		httpStatus = http.StatusBadRequest
		code = "invalid_argument"
	case errors.Is(err, domain.ErrMerchantConflict):
		httpStatus = http.StatusConflict
		code = "merchant_conflict"
	case errors.Is(err, domain.ErrAlreadyAuthenticated):
		httpStatus = http.StatusConflict
		code = "already_authenticated"
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrNotAuthenticated),
		errors.Is(err, auth.ErrNoToken):
		httpStatus = http.StatusUnauthorized
		code = "unauthenticated"
	case errors.Is(err, domain.ErrUnreachable):
		httpStatus = http.StatusServiceUnavailable
		code = "service_unavailable"
	case errors.As(err, &rej):
		httpStatus = http.StatusUnprocessableEntity
		code = "rejected"
	case errors.Is(err, promo.ErrNoPromo):
		httpStatus = http.StatusBadRequest
		code = "invalid_argument"
	case errors.Is(err, context.DeadlineExceeded):
		httpStatus = http.StatusGatewayTimeout
		code = "timeout"
	default:
		h.log.Error("unexpected cart error", zap.Error(err))
		httpStatus = http.StatusInternalServerError
		code = "internal_error"
	}

	respondError(w, httpStatus, code, domain.UserMessage(err, fallback))
}
