// gateway is the public-facing HTTP service.
// It accepts chat, image and report commands from the React frontend,
// publishes them to RabbitMQ, serves project and model reads, manages
// provider keys, and relays chat.state / chat.error / image.* / log.#
// events to connected browsers over WebSocket.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/forge-ai/codeforge/shared/catalog"
	"github.com/forge-ai/codeforge/shared/config"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/keys"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/metrics"
	"github.com/forge-ai/codeforge/shared/mq"
	"github.com/forge-ai/codeforge/shared/ratelimit"
	"github.com/forge-ai/codeforge/shared/supabase"
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

	broker, err := mq.New(cfg.AMQPURL, 64)
	if err != nil {
		log.Fatal().Err(err).Msg("mq connect")
	}
	defer broker.Close()

	models, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Msg("model catalog")
	}

	keyStore, closeKeys, err := keys.OpenManager(ctx, cfg.KeyStore)
	if err != nil {
		log.Fatal().Err(err).Msg("key store")
	}
	defer closeKeys()

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = ratelimit.New(rdb, "gateway", int64(cfg.RateLimit), cfg.RateWindow)
	}

	gw := &gateway{
		pub:    broker,
		hub:    newHub(),
		db:     supabase.New(cfg.SupabaseURL, cfg.SupabaseKey),
		models: models,
		keys:   keyStore,
		log:    logger.New("gateway"),
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: cors(cfg.CORSOrigins, gw.routes(limiter, cfg.WebDir)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.hub.run(ctx) })
	g.Go(func() error { return models.Watch(ctx, nil) })
	for _, pattern := range []string{events.ChatState, events.ChatError, "image.*", "log.#"} {
		deliveries, err := broker.Broadcast(pattern)
		if err != nil {
			log.Fatal().Err(err).Str("pattern", pattern).Msg("subscribe failed")
		}
		g.Go(func() error { return gw.relay(ctx, deliveries) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Bool("rate_limit", limiter != nil).Msg("gateway online")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("gateway exited with error")
	}
}

func (gw *gateway) routes(limiter *ratelimit.Limiter, webDir string) *http.ServeMux {
	limited := func(h http.HandlerFunc) http.Handler {
		if limiter == nil {
			return h
		}
		return limiter.Middleware(metrics.Global().RateLimited.Inc)(h)
	}

	mux := http.NewServeMux()

	// Chat
	mux.Handle("POST /api/chats/{id}/messages", limited(gw.sendMessage))
	mux.Handle("POST /api/chats/{id}/regenerate", limited(gw.regenerate))
	mux.HandleFunc("POST /api/chats/{id}/stop", gw.stop)
	mux.HandleFunc("GET /api/projects/{id}", gw.getProject)
	mux.HandleFunc("GET /api/models", gw.listModels)

	// Images and reports
	mux.Handle("POST /api/images", limited(gw.generateImage))
	mux.Handle("POST /api/reports", limited(gw.report))

	// Provider keys
	mux.HandleFunc("GET /api/keys/{provider}", gw.listKeys)
	mux.HandleFunc("POST /api/keys/{provider}", gw.addKey)
	mux.HandleFunc("DELETE /api/keys/{provider}/{id}", gw.removeKey)
	mux.HandleFunc("PUT /api/keys/{provider}/order", gw.reorderKeys)

	mux.HandleFunc("GET /api/status", gw.status)
	mux.Handle("GET /metrics", promhttp.Handler())

	// WebSocket
	mux.HandleFunc("/ws", gw.hub.serveWS)

	// Serve React build
	if webDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(webDir)))
	}
	return mux
}

// relay forwards broadcast events to WebSocket clients.
func (gw *gateway) relay(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			gw.hub.broadcast(d.Body)
		}
	}
}
