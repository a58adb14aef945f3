// Orchestrator owns the chat sessions. It is the only writer of session
// state:
//
//	chat.send / chat.regenerate
//	  → codegen.requested        (placeholder shown, generating = true)
//	  ← codegen.complete         (placeholder replaced, code re-parsed)
//	  ← codegen.failed           (placeholder dropped, chat.error toast)
//	chat.stop
//	  → codegen.cancel           (rolled back at once, late replies ignored)
//
// Every transition is persisted to Supabase and pushed as chat.state for the
// gateway's WebSocket relay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/forge-ai/codeforge/services/orchestrator/internal"
	"github.com/forge-ai/codeforge/shared/config"
	"github.com/forge-ai/codeforge/shared/logger"
)

func main() {
	logger.Setup()
	config.Load()
	cfg := internal.ConfigFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutdown signal, stopping orchestrator")
		cancel()
	}()

	orch, err := internal.NewOrchestrator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create orchestrator")
	}
	defer orch.Close()

	log.Info().Str("port", cfg.APIPort).Msg("orchestrator started")

	if err := orch.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("orchestrator exited with error")
	}
}
