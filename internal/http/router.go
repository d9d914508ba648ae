package http

import (
	"net/http"
	"time"

	"github.com/fjod/storefront-cart/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

// NewRouter wires the cart routes under /api/v1.
func NewRouter(cfg RouterConfig, sessions *session.Manager, log *zap.Logger) http.Handler {
	cartHandler := NewCartHandler(sessions, cfg.RequestTimeout, log)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.MaxRequestBodySize > 0 {
		r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))
	}
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SessionMiddleware(sessions))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{variant_id}", cartHandler.UpdateQuantity)
			r.Delete("/items/{variant_id}", cartHandler.RemoveItem)
			r.Post("/sync", cartHandler.Sync)
			r.Post("/refresh", cartHandler.Refresh)
			r.Post("/promo", cartHandler.ApplyPromo)
			r.Delete("/promo", cartHandler.RemovePromo)
		})
		r.Route("/session", func(r chi.Router) {
			r.Post("/login", cartHandler.Login)
			r.Post("/logout", cartHandler.Logout)
		})
	})

	return otelhttp.NewHandler(r, "storefront-cart")
}
