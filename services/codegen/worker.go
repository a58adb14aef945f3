package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/logger"
)

// tombstoneTTL is how long a cancel for an unseen request is remembered.
const tombstoneTTL = 10 * time.Minute

type sender interface {
	SendWithFallback(ctx context.Context, conversation []chat.Message, text string, images []string, model chat.ModelSelection) (chat.Message, error)
}

type publisher interface {
	Emit(ctx context.Context, routingKey string, payload any) error
}

// worker runs dispatches and owns their cancellation. A codegen.cancel may
// reach any replica, so every replica hears every cancel and only the one
// running the request acts on it.
type worker struct {
	dispatch sender
	pub      publisher
	log      zerolog.Logger

	mu         sync.Mutex
	inflight   map[string]context.CancelFunc
	tombstones map[string]time.Time
	now        func() time.Time
}

func newWorker(dispatch sender, pub publisher) *worker {
	return &worker{
		dispatch:   dispatch,
		pub:        pub,
		log:        logger.New("codegen"),
		inflight:   make(map[string]context.CancelFunc),
		tombstones: make(map[string]time.Time),
		now:        time.Now,
	}
}

// handle runs one dispatch and publishes exactly one outcome event.
func (w *worker) handle(ctx context.Context, p events.CodegenRequestedPayload) error {
	log := w.log.With().Str("chat", p.ChatID).Str("request", p.RequestID).Str("model", p.Model.ID).Logger()

	reqCtx, cancel, ok := w.begin(ctx, p.RequestID)
	if !ok {
		log.Info().Msg("request was cancelled before it started")
		return w.pub.Emit(ctx, events.CodegenCancelled, events.CodegenCancelledPayload{ChatID: p.ChatID, RequestID: p.RequestID})
	}
	defer w.end(p.RequestID, cancel)

	log.Info().Int("turns", len(p.Conversation)+1).Int("images", len(p.Images)).Msg("dispatching")
	start := time.Now()
	msg, err := w.dispatch.SendWithFallback(reqCtx, p.Conversation, p.Text, p.Images, p.Model)

	switch {
	case err == nil:
		log.Info().Dur("took", time.Since(start)).Str("reply_model", msg.Model).Msg("dispatch complete")
		return w.pub.Emit(ctx, events.CodegenComplete, events.CodegenCompletePayload{
			ChatID: p.ChatID, RequestID: p.RequestID, Message: msg,
		})

	case errors.Is(err, chat.ErrCancelled):
		log.Info().Dur("took", time.Since(start)).Msg("dispatch cancelled")
		return w.pub.Emit(ctx, events.CodegenCancelled, events.CodegenCancelledPayload{ChatID: p.ChatID, RequestID: p.RequestID})

	default:
		out := events.CodegenFailedPayload{
			ChatID:    p.ChatID,
			RequestID: p.RequestID,
			Kind:      chat.KindOf(err),
			Error:     err.Error(),
			Reference: xid.New().String(),
		}
		var apiErr *chat.APIError
		if errors.As(err, &apiErr) {
			apiErr.Reference = out.Reference
			out.Provider = apiErr.Provider
			out.Error = apiErr.Message
		}
		log.Error().Err(err).Str("kind", string(out.Kind)).Str("ref", out.Reference).Msg("dispatch failed")
		return w.pub.Emit(ctx, events.CodegenFailed, out)
	}
}

// cancel aborts requestID if it runs here, or remembers it if it has not
// started yet.
func (w *worker) cancel(requestID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if stop, ok := w.inflight[requestID]; ok {
		stop()
		return true
	}
	w.tombstones[requestID] = w.now()
	w.prune()
	return false
}

func (w *worker) begin(ctx context.Context, requestID string) (context.Context, context.CancelFunc, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dead := w.tombstones[requestID]; dead {
		delete(w.tombstones, requestID)
		return nil, nil, false
	}
	reqCtx, cancel := context.WithCancel(ctx)
	w.inflight[requestID] = cancel
	return reqCtx, cancel, true
}

func (w *worker) end(requestID string, cancel context.CancelFunc) {
	cancel()
	w.mu.Lock()
	delete(w.inflight, requestID)
	w.mu.Unlock()
}

func (w *worker) prune() {
	cutoff := w.now().Add(-tombstoneTTL)
	for id, at := range w.tombstones {
		if at.Before(cutoff) {
			delete(w.tombstones, id)
		}
	}
}
