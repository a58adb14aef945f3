// imagegen subscribes to image.requested, generates images with Stability AI
// using the dream_studio key, and publishes image.complete or image.failed
// with a JPEG thumbnail for every artifact.
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

	stability := NewStability(cfg.StabilityURL, cfg.Engine,
		keys.NewResolver(store, cfg.DefaultKeys),
		&http.Client{Timeout: cfg.Timeout},
		providers.PerMinute(cfg.RPM),
	)

	broker, err := mq.New(cfg.AMQPURL, cfg.Workers)
	if err != nil {
		log.Fatal().Err(err).Msg("mq connect")
	}
	defer broker.Close()

	deliveries, err := broker.Subscribe("svc.imagegen", events.ImageRequested)
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}

	w := newWorker(stability, broker, cfg.ThumbEdge)
	log.Info().Int("workers", cfg.Workers).Str("engine", cfg.Engine).Msg("imagegen service started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error { return consume(ctx, deliveries, w) })
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("imagegen exited")
	}
}

func consume(ctx context.Context, deliveries <-chan amqp.Delivery, w *worker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			p, err := events.Unwrap[events.ImageRequestedPayload](d.Body)
			if err != nil {
				log.Error().Err(err).Msg("bad image.requested payload")
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
