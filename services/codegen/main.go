// codegen subscribes to codegen.requested, resolves provider keys, sends the
// conversation to the selected provider with fallback to the other one, and
// publishes codegen.complete, codegen.failed or codegen.cancelled.
// codegen.cancel aborts an in-flight request on whichever replica runs it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/forge-ai/codeforge/shared/catalog"
	"github.com/forge-ai/codeforge/shared/config"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/keys"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/mq"
	"github.com/forge-ai/codeforge/shared/providers"
)

func main() {
	logger.Setup()
	config.Load()
	cfg := ConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; cancel() }()

	store, closeStore, err := keys.OpenManager(ctx, cfg.KeyStore)
	if err != nil {
		log.Fatal().Err(err).Msg("key store")
	}
	defer closeStore()
	resolver := keys.NewResolver(store, cfg.DefaultKeys)

	models, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("model catalog")
	}
	dispatcher := newDispatcher(cfg, resolver, models)

	broker, err := mq.New(cfg.AMQPURL, cfg.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("mq connect")
	}
	defer broker.Close()

	requests, err := broker.Subscribe("svc.codegen", events.CodegenRequested)
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}
	cancels, err := broker.Broadcast(events.CodegenCancel)
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe cancels")
	}

	w := newWorker(dispatcher, broker)
	log.Info().Int("workers", cfg.Workers).Str("key_store", cfg.KeyStore.Backend).Msg("codegen service started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error { return consumeRequests(ctx, requests, w) })
	}
	g.Go(func() error { return consumeCancels(ctx, cancels, w) })
	g.Go(func() error {
		return models.Watch(ctx, func() {
			// a reloaded catalog can change the per-provider defaults
			dispatcher.SetDefaults(providerDefaults(models))
		})
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("codegen exited")
	}
}

func newDispatcher(cfg Config, resolver *keys.Resolver, models *catalog.Catalog) *providers.Dispatcher {
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	return providers.NewDispatcher(providerDefaults(models),
		providers.NewOpenRouter(resolver, providers.OpenRouterConfig{
			URL:     cfg.OpenRouterURL,
			Referer: cfg.Referer,
			Title:   cfg.Title,
			Transport: providers.Transport{
				HTTPClient:  client,
				Limiter:     providers.PerMinute(cfg.OpenRouterRPM),
				Temperature: cfg.Temperature,
			},
		}),
		providers.NewGemini(resolver, providers.GeminiConfig{
			BaseURL: cfg.GeminiURL,
			Transport: providers.Transport{
				HTTPClient:  client,
				Limiter:     providers.PerMinute(cfg.GeminiRPM),
				Temperature: cfg.Temperature,
			},
		}),
	)
}

func providerDefaults(models *catalog.Catalog) map[providers.Kind]string {
	d := models.Defaults()
	return map[providers.Kind]string{
		providers.OpenRouter: d[providers.OpenRouter.String()],
		providers.Gemini:     d[providers.Gemini.String()],
	}
}

// consumeRequests runs dispatches one at a time per goroutine. Outcome events
// are published before the ack; a failed publish requeues the request.
func consumeRequests(ctx context.Context, deliveries <-chan amqp.Delivery, w *worker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			p, err := events.Unwrap[events.CodegenRequestedPayload](d.Body)
			if err != nil {
				log.Error().Err(err).Msg("bad codegen.requested payload")
				d.Nack(false, false)
				continue
			}
			if err := w.handle(ctx, *p); err != nil {
				log.Error().Err(err).Str("request", p.RequestID).Msg("publish outcome")
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}

func consumeCancels(ctx context.Context, deliveries <-chan amqp.Delivery, w *worker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			p, err := events.Unwrap[events.CodegenCancelPayload](d.Body)
			if err != nil {
				log.Warn().Err(err).Msg("bad codegen.cancel payload")
				continue
			}
			if w.cancel(p.RequestID) {
				log.Info().Str("chat", p.ChatID).Str("request", p.RequestID).Msg("cancelled in-flight request")
			}
		}
	}
}
