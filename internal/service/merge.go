package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fjod/storefront-cart/internal/cartapi"
	"github.com/fjod/storefront-cart/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errSkipped = errors.New("not sent: merge aborted")

// OnLoginSucceeded links the session to userID and merges any drafts into
// the server cart. It runs once per login; use Sync to retry leftovers.
//
// A failed read-back after the merge leaves the session signed in with a
// stale snapshot and is not reported as an error.
func (e *Engine) OnLoginSucceeded(ctx context.Context, userID string) (*MergeReport, error) {
	return e.LoginWithToken(ctx, userID, "")
}

// LoginWithToken is OnLoginSucceeded that also installs token in the
// engine's credential. The Anonymous check and the install happen in one
// command; a losing concurrent login gets ErrAlreadyAuthenticated.
func (e *Engine) LoginWithToken(ctx context.Context, userID, token string) (*MergeReport, error) {
	e.ops.Lock()
	defer e.ops.Unlock()

	if userID == "" {
		return nil, fmt.Errorf("login: %w", domain.ErrNotAuthenticated)
	}
	if e.State() != domain.StateAnonymous {
		return nil, domain.ErrAlreadyAuthenticated
	}
	if token != "" && e.creds != nil {
		e.creds.Set(token)
	}

	e.mu.Lock()
	e.userID = userID
	e.mu.Unlock()
	e.log.Info("login", zap.String("user_id", userID), zap.Int("drafts", len(e.drafts.List())))

	if len(e.drafts.List()) == 0 {
		e.setState(domain.StateAuthoritative)
		err := e.refreshLocked(ctx, userID)
		if errors.Is(err, domain.ErrUnauthorized) {
			e.resetToAnonymous()
			e.sink.Error(ctx, domain.UserMessage(err, ""))
			return nil, err
		}
		return &MergeReport{}, nil
	}

	e.setState(domain.StateMerging)
	return e.mergeLocked(ctx, userID)
}

// Sync retries the merge pass for drafts a previous pass could not merge.
func (e *Engine) Sync(ctx context.Context) (*MergeReport, error) {
	e.ops.Lock()
	defer e.ops.Unlock()

	state, userID, _ := e.current()
	if !state.Authenticated() {
		return nil, domain.ErrNotAuthenticated
	}
	if len(e.drafts.List()) == 0 {
		e.setState(domain.StateAuthoritative)
		return &MergeReport{}, nil
	}

	e.setState(domain.StateMerging)
	return e.mergeLocked(ctx, userID)
}

// mergeLocked sends every draft line to the server concurrently, waits for
// all of them, then settles notifications, drafts and the snapshot.
//
// A rejected credential aborts the pass: lines not yet sent are skipped and
// no draft is removed. Re-sending a line the server already holds sets the
// same quantity again, so a later pass cannot double it.
func (e *Engine) mergeLocked(ctx context.Context, userID string) (*MergeReport, error) {
	items := dedupeByVariant(e.drafts.List())
	results := make([]error, len(items))
	messages := make([]string, len(items))

	var aborted atomic.Bool
	var g errgroup.Group
	g.SetLimit(e.mergeLimit)
	for i, it := range items {
		g.Go(func() error {
			if aborted.Load() {
				results[i] = errSkipped
				return nil
			}
			// addon quantity follows the parent line's quantity
			res, err := e.carts.AddItem(ctx, cartapi.AddItemRequest{
				ProductVariantID: it.ProductVariantID,
				Quantity:         it.Quantity,
				AddonIDs:         it.AddonIDs,
			})
			if errors.Is(err, domain.ErrUnauthorized) {
				aborted.Store(true)
			}
			results[i], messages[i] = err, res.Message
			return nil
		})
	}
	_ = g.Wait()

	if aborted.Load() {
		e.log.Warn("merge aborted: credential rejected", zap.String("user_id", userID))
		e.resetToAnonymous()
		e.sink.Error(ctx, domain.UserMessage(domain.ErrUnauthorized, ""))
		return nil, domain.ErrUnauthorized
	}

	report := &MergeReport{}
	for i, it := range items {
		if err := results[i]; err != nil {
			msg := domain.UserMessage(err, "Could not add "+itemLabel(it)+" to cart")
			report.Failed = append(report.Failed, MergeFailure{
				ProductVariantID: it.ProductVariantID,
				Message:          msg,
				Err:              err,
			})
			e.sink.Error(ctx, msg)
			continue
		}
		report.Merged = append(report.Merged, it.ProductVariantID)
		e.sink.Success(ctx, messageOr(messages[i], itemLabel(it)+" added to cart"))
	}

	draftsLeft := false
	if err := e.drafts.RemoveMany(ctx, report.Merged); err != nil {
		// the lines are on the server; Sync re-sends them idempotently
		e.log.Error("remove merged drafts failed", zap.Error(err))
		draftsLeft = true
	}

	e.log.Info("merge pass finished",
		zap.String("user_id", userID),
		zap.Int("merged", len(report.Merged)),
		zap.Int("failed", len(report.Failed)))

	refreshErr := e.refreshLocked(ctx, userID)
	if errors.Is(refreshErr, domain.ErrUnauthorized) {
		e.resetToAnonymous()
		e.sink.Error(ctx, domain.UserMessage(refreshErr, ""))
		return report, refreshErr
	}

	if !report.OK() {
		e.setState(domain.StateMergeFailed)
		return report, ErrMergeIncomplete
	}
	if draftsLeft {
		e.setState(domain.StateMergeFailed)
		return report, nil
	}
	e.setState(domain.StateAuthoritative)
	return report, nil
}

func dedupeByVariant(items []domain.DraftLineItem) []domain.DraftLineItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.DraftLineItem, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ProductVariantID]; ok {
			continue
		}
		seen[it.ProductVariantID] = struct{}{}
		out = append(out, it)
	}
	return out
}

func itemLabel(it domain.DraftLineItem) string {
	if it.Metadata.Title != "" {
		return it.Metadata.Title
	}
	return "Item"
}
