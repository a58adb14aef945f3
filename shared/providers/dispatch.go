package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/metrics"
)

// Dispatcher sends to the primary provider of a model and, on failure, once
// to its alternate. Calls are strictly sequential.
type Dispatcher struct {
	adapters map[Kind]Adapter
	log      zerolog.Logger

	mu sync.RWMutex
	// defaults is the model used on a provider when a selection has no
	// native id for it.
	defaults map[Kind]string
}

func NewDispatcher(defaults map[Kind]string, adapters ...Adapter) *Dispatcher {
	d := &Dispatcher{
		adapters: make(map[Kind]Adapter, len(adapters)),
		defaults: defaults,
		log:      logger.New("dispatch"),
	}
	for _, a := range adapters {
		d.adapters[a.Kind()] = a
	}
	return d
}

// SetDefaults swaps the per-provider default models.
func (d *Dispatcher) SetDefaults(defaults map[Kind]string) {
	d.mu.Lock()
	d.defaults = defaults
	d.mu.Unlock()
}

// SendWithFallback returns the assistant reply, chat.ErrCancelled when ctx
// was cancelled, or an APIError of kind both_providers_failed.
func (d *Dispatcher) SendWithFallback(ctx context.Context, conversation []chat.Message, text string, images []string, model chat.ModelSelection) (chat.Message, error) {
	primary := KindFor(model)
	fallback := primary.Alternate()
	req := Request{Conversation: conversation, Text: text, Images: images, Model: model}

	msg, pErr := d.attempt(ctx, primary, req, true)
	if pErr == nil {
		return msg, nil
	}
	if IsCancelled(pErr) || stopped(ctx) {
		return chat.Message{}, cancelOf(ctx, pErr)
	}

	d.log.Warn().Err(pErr).Str("primary", primary.String()).Str("fallback", fallback.String()).
		Str("model", model.ID).Msg("primary provider failed, trying fallback")
	metrics.Global().FallbacksTotal.Inc()

	msg, fErr := d.attempt(ctx, fallback, req, false)
	if fErr == nil {
		return msg, nil
	}
	if IsCancelled(fErr) || stopped(ctx) {
		return chat.Message{}, cancelOf(ctx, fErr)
	}
	return chat.Message{}, chat.BothFailed(primary.String(), fallback.String(), pErr, fErr)
}

func (d *Dispatcher) attempt(ctx context.Context, kind Kind, req Request, primary bool) (chat.Message, error) {
	adapter, ok := d.adapters[kind]
	if !ok {
		return chat.Message{}, chat.NewAPIError(chat.KindCredentialMissing, kind.String(), "provider not configured")
	}
	modelID, err := d.ModelID(kind, req.Model, primary)
	if err != nil {
		return chat.Message{}, err
	}
	req.ModelID = modelID

	msg, err := adapter.Send(ctx, req)
	outcome := "ok"
	switch {
	case IsCancelled(err):
		outcome = "cancelled"
	case err != nil:
		outcome = string(chat.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.Global().DispatchTotal.WithLabelValues(kind.String(), outcome).Inc()
	return msg, err
}

// ModelID picks the provider-native model for kind. The primary uses the
// selection's own id; any other provider uses the selection's alternate or
// the provider default. The primary id is never reused across providers.
func (d *Dispatcher) ModelID(kind Kind, m chat.ModelSelection, primary bool) (string, error) {
	if primary && m.ProviderModelID != "" {
		return m.ProviderModelID, nil
	}
	if id := m.Alternates[kind.String()]; id != "" {
		return id, nil
	}
	d.mu.RLock()
	id := d.defaults[kind]
	d.mu.RUnlock()
	if id != "" {
		if !primary {
			d.log.Warn().Str("model", m.ID).Str("provider", kind.String()).Str("using", id).
				Msg("no alternate model mapped, using provider default")
		}
		return id, nil
	}
	return "", chat.NewAPIError(chat.KindProviderRejected, kind.String(),
		fmt.Sprintf("no %s model mapped for %q", kind, m.ID))
}

func cancelOf(ctx context.Context, err error) error {
	if errors.Is(err, chat.ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", chat.ErrCancelled, ctx.Err())
}
