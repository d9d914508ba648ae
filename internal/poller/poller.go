// Package poller listens for completed checkouts and re-reads the carts of
// the affected sessions, which the cart API has emptied.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultTopic   = "checkout-outbox"
	DefaultGroupID = "storefront-cart"
)

var errNoUserID = errors.New("missing or invalid user_id")

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// CartRefresher re-reads the server cart of every live session of a user.
type CartRefresher interface {
	RefreshUser(ctx context.Context, userID string) int
}

type Poller struct {
	reader  messageReader
	carts   CartRefresher
	backoff time.Duration
	log     *zap.Logger
}

func NewReader(topic, groupID string, brokers ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
}

func New(reader messageReader, carts CartRefresher, log *zap.Logger) *Poller {
	return &Poller{
		reader:  reader,
		carts:   carts,
		backoff: time.Second,
		log:     log.Named("poller"),
	}
}

// Run consumes checkout events until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.handleNext(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("checkout event failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff):
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Error("error closing reader", zap.Error(err))
	}
}

func (p *Poller) handleNext(ctx context.Context) error {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}

	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		// a malformed event is dropped, not retried
		p.log.Error("error parsing message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if payload.UserID == "" {
		p.log.Error("skipping checkout event", zap.Int64("offset", m.Offset), zap.Error(errNoUserID))
		return nil
	}

	n := p.carts.RefreshUser(ctx, payload.UserID)
	p.log.Debug("checkout completed", zap.String("user_id", payload.UserID), zap.Int("sessions", n))
	return nil
}
