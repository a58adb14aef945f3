package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/forge-ai/codeforge/shared/attach"
	"github.com/forge-ai/codeforge/shared/catalog"
	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/metrics"
	"github.com/forge-ai/codeforge/shared/mq"
	"github.com/forge-ai/codeforge/shared/prompt"
	"github.com/forge-ai/codeforge/shared/session"
	"github.com/forge-ai/codeforge/shared/supabase"
)

type publisher interface {
	Emit(ctx context.Context, routingKey string, payload any) error
}

type modelSource interface {
	Get(id string) (chat.ModelSelection, bool)
}

// chatEntry serializes every transition of one chat.
type chatEntry struct {
	mu     sync.Mutex
	loaded bool
	state  session.State
}

// Orchestrator owns the session state of every chat. It turns chat commands
// into dispatch requests and dispatch outcomes into UI state.
type Orchestrator struct {
	cfg    Config
	broker *mq.Broker
	pub    publisher
	store  ProjectStore
	models modelSource
	log    zerolog.Logger

	mu    sync.Mutex
	chats map[string]*chatEntry
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	broker, err := mq.New(cfg.AMQPURL, cfg.Prefetch)
	if err != nil {
		return nil, fmt.Errorf("mq connect: %w", err)
	}
	models, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("model catalog: %w", err)
	}

	o := newOrchestrator(cfg, broker, NewStore(supabase.New(cfg.SupabaseURL, cfg.SupabaseKey)), models)
	o.broker = broker
	return o, nil
}

func newOrchestrator(cfg Config, pub publisher, store ProjectStore, models modelSource) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		pub:    pub,
		store:  store,
		models: models,
		log:    logger.New("orchestrator"),
		chats:  make(map[string]*chatEntry),
	}
}

func (o *Orchestrator) Close() {
	if o.broker != nil {
		o.broker.Close()
	}
}

// Run starts all consumers and the API server.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.serveAPI(ctx) })
	if c, ok := o.models.(*catalog.Catalog); ok {
		g.Go(func() error { return c.Watch(ctx, nil) })
	}

	subs := []struct {
		queue   string
		pattern string
		handler func(context.Context, amqp.Delivery) error
	}{
		{"orch.chat.send", events.ChatSend, unwrapTo(o.Send)},
		{"orch.chat.regenerate", events.ChatRegenerate, unwrapTo(o.Regenerate)},
		{"orch.chat.stop", events.ChatStop, unwrapTo(o.Stop)},
		{"orch.codegen.complete", events.CodegenComplete, unwrapTo(o.OnComplete)},
		{"orch.codegen.failed", events.CodegenFailed, unwrapTo(o.OnFailed)},
		{"orch.codegen.cancelled", events.CodegenCancelled, unwrapTo(o.OnCancelled)},
	}

	for _, sub := range subs {
		deliveries, err := o.broker.Subscribe(sub.queue, sub.pattern)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.queue, err)
		}
		g.Go(func() error {
			return o.consume(ctx, deliveries, sub.handler)
		})
	}

	return g.Wait()
}

func unwrapTo[T any](h func(context.Context, T) error) func(context.Context, amqp.Delivery) error {
	return func(ctx context.Context, d amqp.Delivery) error {
		p, err := events.Unwrap[T](d.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadPayload, err)
		}
		return h(ctx, *p)
	}
}

var errBadPayload = errors.New("bad payload")

// consume is the generic delivery loop for all subscriptions. A failing
// delivery is requeued once after RetryDelay and dropped if it fails again.
func (o *Orchestrator) consume(
	ctx context.Context,
	deliveries <-chan amqp.Delivery,
	handler func(context.Context, amqp.Delivery) error,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			err := handler(ctx, d)
			switch {
			case err == nil:
				d.Ack(false)
			case errors.Is(err, errBadPayload):
				o.log.Error().Err(err).Str("key", d.RoutingKey).Msg("dropping message")
				d.Nack(false, false)
			case d.Redelivered:
				o.log.Error().Err(err).Str("key", d.RoutingKey).Msg("handler failed again after redelivery, dropping message")
				d.Nack(false, false)
			default:
				o.log.Error().Err(err).Str("key", d.RoutingKey).Dur("retry_in", o.cfg.RetryDelay).Msg("handler error")
				select {
				case <-ctx.Done():
				case <-time.After(o.cfg.RetryDelay):
				}
				d.Nack(false, true) // requeue once
			}
		}
	}
}

// ── Chat commands ─────────────────────────────────────────────────────────────

func (o *Orchestrator) Send(ctx context.Context, p events.ChatSendPayload) error {
	model, ok := o.models.Get(p.ModelID)
	if !ok {
		return o.toast(ctx, p.ChatID, fmt.Sprintf("Unknown model %q", p.ModelID))
	}
	if len(p.Images) > 0 && !model.VisionCapable {
		return o.toast(ctx, p.ChatID, model.Name()+" cannot read images, pick a vision model")
	}
	images, err := attach.Normalize(p.Images)
	if err != nil {
		return o.toast(ctx, p.ChatID, "Could not read attachment: "+err.Error())
	}
	if p.RequestID == "" {
		p.RequestID = uuid.New().String()
	}

	return o.withChat(ctx, p.ChatID, func(s session.State) (session.State, error) {
		next, d, err := session.Send(s, p.RequestID, p.Text, images)
		if err != nil {
			return s, o.toast(ctx, p.ChatID, userMessage(err))
		}
		if err := o.dispatch(ctx, p.ChatID, d, model); err != nil {
			return s, err
		}
		metrics.Global().SessionsInFlight.Inc()
		o.emitLog(ctx, p.ChatID, "info", "send", "Generating with "+model.Name(), map[string]any{"request": p.RequestID})
		return next, nil
	})
}

func (o *Orchestrator) Regenerate(ctx context.Context, p events.ChatRegeneratePayload) error {
	model, ok := o.models.Get(p.ModelID)
	if !ok {
		return o.toast(ctx, p.ChatID, fmt.Sprintf("Unknown model %q", p.ModelID))
	}
	if p.RequestID == "" {
		p.RequestID = uuid.New().String()
	}

	return o.withChat(ctx, p.ChatID, func(s session.State) (session.State, error) {
		next, d, err := session.Regenerate(s, p.RequestID, p.Index)
		if err != nil {
			return s, o.toast(ctx, p.ChatID, userMessage(err))
		}
		if len(d.Images) > 0 && !model.VisionCapable {
			return s, o.toast(ctx, p.ChatID, model.Name()+" cannot read images, pick a vision model")
		}
		if err := o.dispatch(ctx, p.ChatID, d, model); err != nil {
			return s, err
		}
		metrics.Global().SessionsInFlight.Inc()
		o.emitLog(ctx, p.ChatID, "info", "regenerate", "Regenerating with "+model.Name(), map[string]any{"request": p.RequestID})
		return next, nil
	})
}

// Stop rolls the chat back at once and asks codegen to abort. Whatever the
// aborted request still reports is stale and ignored.
func (o *Orchestrator) Stop(ctx context.Context, p events.ChatStopPayload) error {
	return o.withChat(ctx, p.ChatID, func(s session.State) (session.State, error) {
		next, requestID, ok := session.Cancel(s)
		if !ok {
			return s, nil
		}
		metrics.Global().SessionsInFlight.Dec()
		if err := o.pub.Emit(ctx, events.CodegenCancel, events.CodegenCancelPayload{ChatID: p.ChatID, RequestID: requestID}); err != nil {
			o.log.Warn().Err(err).Str("chat", p.ChatID).Msg("publish cancel")
		}
		o.emitLog(ctx, p.ChatID, "info", "stop", "Generation stopped", map[string]any{"request": requestID})
		return next, nil
	})
}

// ── Dispatch outcomes ─────────────────────────────────────────────────────────

func (o *Orchestrator) OnComplete(ctx context.Context, p events.CodegenCompletePayload) error {
	return o.withChat(ctx, p.ChatID, func(s session.State) (session.State, error) {
		next, ok := session.Complete(s, p.RequestID, p.Message)
		if !ok {
			o.log.Debug().Str("chat", p.ChatID).Str("request", p.RequestID).Msg("ignoring stale reply")
			return s, nil
		}
		metrics.Global().SessionsInFlight.Dec()
		o.emitLog(ctx, p.ChatID, "success", "complete", "Reply from "+p.Message.Model, nil)
		return next, nil
	})
}

func (o *Orchestrator) OnFailed(ctx context.Context, p events.CodegenFailedPayload) error {
	return o.withChat(ctx, p.ChatID, func(s session.State) (session.State, error) {
		next, ok := session.Fail(s, p.RequestID)
		if !ok {
			return s, nil
		}
		metrics.Global().SessionsInFlight.Dec()
		o.log.Error().Str("chat", p.ChatID).Str("kind", string(p.Kind)).Str("ref", p.Reference).Msg(p.Error)
		err := o.pub.Emit(ctx, events.ChatError, events.ChatErrorPayload{
			ChatID:    p.ChatID,
			Kind:      p.Kind,
			Provider:  p.Provider,
			Message:   p.Error,
			Reference: p.Reference,
		})
		return next, err
	})
}

// OnCancelled settles a request codegen dropped on its own. A request the
// user stopped is already settled and this is a no-op.
func (o *Orchestrator) OnCancelled(ctx context.Context, p events.CodegenCancelledPayload) error {
	return o.withChat(ctx, p.ChatID, func(s session.State) (session.State, error) {
		next, ok := session.Fail(s, p.RequestID)
		if ok {
			metrics.Global().SessionsInFlight.Dec()
		}
		return next, nil
	})
}

// ── State plumbing ────────────────────────────────────────────────────────────

// withChat runs fn under the chat's lock. A changed state is persisted and
// pushed to the UI; an error leaves the state as it was.
func (o *Orchestrator) withChat(ctx context.Context, chatID string, fn func(session.State) (session.State, error)) error {
	if chatID == "" {
		return fmt.Errorf("%w: missing chat id", errBadPayload)
	}
	e := o.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		s, err := o.restore(ctx, chatID)
		if err != nil {
			return err
		}
		e.state, e.loaded = s, true
	}

	next, err := fn(e.state)
	if err != nil {
		return err
	}
	if same(e.state, next) {
		return nil
	}
	e.state = next

	if err := o.store.Save(ctx, Project{ID: chatID, Conversation: next.Messages, GeneratedCode: next.Code}); err != nil {
		o.log.Warn().Err(err).Str("chat", chatID).Msg("persist project")
	}
	v := session.Visible(next)
	return o.pub.Emit(ctx, events.ChatState, events.ChatStatePayload{
		ChatID:     chatID,
		Messages:   v.Messages,
		Code:       v.Code,
		Generating: v.Generating,
	})
}

func (o *Orchestrator) entry(chatID string) *chatEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.chats[chatID]
	if !ok {
		e = &chatEntry{}
		o.chats[chatID] = e
	}
	return e
}

func (o *Orchestrator) restore(ctx context.Context, chatID string) (session.State, error) {
	p, err := o.store.Load(ctx, chatID)
	if err != nil {
		return session.State{}, err
	}
	if p == nil || len(p.Conversation) == 0 {
		return session.New(chatID, o.cfg.SystemPrompt), nil
	}
	return session.Restore(chatID, p.Conversation, p.GeneratedCode.Rebuild()), nil
}

func (o *Orchestrator) dispatch(ctx context.Context, chatID string, d session.Dispatch, model chat.ModelSelection) error {
	return o.pub.Emit(ctx, events.CodegenRequested, events.CodegenRequestedPayload{
		ChatID:       chatID,
		RequestID:    d.RequestID,
		Model:        model,
		Conversation: d.Conversation,
		Text:         prompt.Enhance(d.Text),
		Images:       d.Images,
	})
}

func (o *Orchestrator) toast(ctx context.Context, chatID, msg string) error {
	return o.pub.Emit(ctx, events.ChatError, events.ChatErrorPayload{ChatID: chatID, Message: msg})
}

func (o *Orchestrator) emitLog(ctx context.Context, chatID, level, step, message string, data map[string]any) {
	err := o.pub.Emit(ctx, events.LogEvent, events.LogEventPayload{
		ChatID:  chatID,
		Level:   level,
		Step:    step,
		Message: message,
		Data:    data,
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("emit log event")
	}
}

func (o *Orchestrator) activeChats() (chats, generating int) {
	o.mu.Lock()
	entries := make([]*chatEntry, 0, len(o.chats))
	for _, e := range o.chats {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.state.Generating {
			generating++
		}
		e.mu.Unlock()
	}
	return len(entries), generating
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return "A reply is already being generated. Stop it or wait for it to finish."
	case errors.Is(err, session.ErrEmpty):
		return "Type a message or attach an image first."
	case errors.Is(err, session.ErrNoUserTurn):
		return "There is nothing to regenerate yet."
	case errors.Is(err, session.ErrIndex):
		return "That message no longer exists."
	default:
		return err.Error()
	}
}

// same reports whether a transition changed nothing. Every real transition
// swaps the pending dispatch.
func same(a, b session.State) bool {
	return a.Generating == b.Generating && a.Pending == b.Pending
}
