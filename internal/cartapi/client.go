package cartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fjod/storefront-cart/internal/auth"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/fjod/storefront-cart/pkg/circuitbreaker"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxResponseBody = 1 << 20 // 1MB

// Client is the adapter over the remote cart REST API. Mutations never
// report pricing; callers must Fetch afterwards.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  auth.TokenSource
	breaker *Breaker
	sfg     singleflight.Group // coalesces concurrent fetches of the same cart
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker shares one breaker between clients talking to the same backend.
func WithBreaker(cb *Breaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewHTTPClient returns the instrumented transport used for cart calls. A
// request exceeding timeout surfaces as ErrUnreachable.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Breaker guards calls to one cart backend.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[*envelope]
}

// NewBreaker builds a breaker that only trips on unreachable-backend errors.
// Rejections and auth failures mean the backend is up. Cancelled calls do
// not count either.
func NewBreaker(cfg circuitbreaker.Config, log *zap.Logger) *Breaker {
	cfg.IsFailure = func(err error) bool {
		return errors.Is(err, domain.ErrUnreachable) && !errors.Is(err, context.Canceled)
	}
	return &Breaker{cb: circuitbreaker.New[*envelope](cfg, log)}
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func New(baseURL string, tokens auth.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.http == nil {
		c.http = NewHTTPClient(10 * time.Second)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(circuitbreaker.DefaultConfig("cart-api"), c.log)
	}
	c.log = c.log.Named("cartapi")
	return c
}

type AddItemRequest struct {
	ProductVariantID string
	Quantity         int
	AddonIDs         []string
}

type MutationResult struct {
	Message string
}

// Fetch reads the authoritative cart. A user without a cart gets an empty snapshot.
func (c *Client) Fetch(ctx context.Context, userID string) (*domain.ServerCartSnapshot, error) {
	v, err, shared := c.sfg.Do(userID, func() (interface{}, error) {
		env, err := c.do(ctx, http.MethodGet, "/cart/"+url.PathEscape(userID), nil, nil)
		var rej *domain.ServerRejection
		if errors.As(err, &rej) && rej.StatusCode == http.StatusNotFound {
			snap := domain.EmptySnapshot()
			snap.UserID = userID
			return snap, nil
		}
		if err != nil {
			return nil, err
		}
		var dto cartDTO
		if err := json.Unmarshal(env.Data, &dto); err != nil {
			return nil, fmt.Errorf("decode cart: %w", err)
		}
		return dto.toSnapshot(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch cart: %w", err)
	}
	if shared {
		c.log.Debug("fetch coalesced", zap.String("user_id", userID))
	}
	return v.(*domain.ServerCartSnapshot).Clone(), nil
}

func (c *Client) AddItem(ctx context.Context, req AddItemRequest) (MutationResult, error) {
	body := addItemDTO{
		ProductVariantID: req.ProductVariantID,
		Quantity:         req.Quantity,
		AddonIDs:         joinAddons(req.AddonIDs),
	}
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	env, err := c.do(ctx, http.MethodPost, "/cart-items", body, headers)
	if err != nil {
		return MutationResult{}, fmt.Errorf("add item %s: %w", req.ProductVariantID, err)
	}
	return MutationResult{Message: env.Message}, nil
}

func (c *Client) UpdateItem(ctx context.Context, lineID string, quantity int) (MutationResult, error) {
	env, err := c.do(ctx, http.MethodPatch, "/cart-items/"+url.PathEscape(lineID), updateItemDTO{Quantity: quantity}, nil)
	if err != nil {
		return MutationResult{}, fmt.Errorf("update item %s: %w", lineID, err)
	}
	return MutationResult{Message: env.Message}, nil
}

func (c *Client) RemoveItem(ctx context.Context, lineID string) (MutationResult, error) {
	env, err := c.do(ctx, http.MethodDelete, "/cart-items/"+url.PathEscape(lineID), nil, nil)
	if err != nil {
		return MutationResult{}, fmt.Errorf("remove item %s: %w", lineID, err)
	}
	return MutationResult{Message: env.Message}, nil
}

func (c *Client) Clear(ctx context.Context, cartID string) (MutationResult, error) {
	env, err := c.do(ctx, http.MethodDelete, "/cart-items/by-cart/"+url.PathEscape(cartID), nil, nil)
	if err != nil {
		return MutationResult{}, fmt.Errorf("clear cart %s: %w", cartID, err)
	}
	return MutationResult{Message: env.Message}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (*envelope, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	env, err := c.breaker.cb.Execute(func() (*envelope, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("cart api %s %s: %w", method, path, ctx.Err())
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
		}
		defer resp.Body.Close()
		return decodeResponse(resp)
	})
	if circuitbreaker.IsOpen(err) {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	if err != nil {
		c.log.Debug("cart api call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, err
	}
	return env, nil
}

func decodeResponse(resp *http.Response) (*envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", domain.ErrUnreachable, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", domain.ErrUnauthorized, resp.StatusCode)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 400 || (env.Success != nil && !*env.Success) {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &domain.ServerRejection{StatusCode: resp.StatusCode, Message: msg}
	}
	return &env, nil
}
