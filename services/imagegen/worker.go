package main

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/attach"
	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/logger"
	"github.com/forge-ai/codeforge/shared/metrics"
)

type generator interface {
	Generate(ctx context.Context, req TextToImage) ([]Artifact, error)
}

type publisher interface {
	Emit(ctx context.Context, routingKey string, payload any) error
}

type worker struct {
	gen       generator
	pub       publisher
	thumbEdge int
	log       zerolog.Logger
}

func newWorker(gen generator, pub publisher, thumbEdge int) *worker {
	return &worker{gen: gen, pub: pub, thumbEdge: thumbEdge, log: logger.New("imagegen")}
}

// handle generates one request and publishes image.complete or image.failed.
func (w *worker) handle(ctx context.Context, p events.ImageRequestedPayload) error {
	log := w.log.With().Str("request", p.RequestID).Str("user", p.UserID).Logger()
	start := time.Now()

	arts, err := w.gen.Generate(ctx, TextToImage{
		Prompt:         p.Prompt,
		NegativePrompt: p.NegativePrompt,
		Width:          p.Width,
		Height:         p.Height,
		Steps:          p.Steps,
		CfgScale:       p.CfgScale,
		Samples:        p.Samples,
		StylePreset:    p.StylePreset,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.fail(ctx, log, p, err)
	}

	out := events.ImageCompletePayload{RequestID: p.RequestID, UserID: p.UserID}
	for _, a := range arts {
		img := events.GeneratedImage{Base64: a.Base64, Seed: a.Seed, FinishReason: a.FinishReason}
		if a.FinishReason == "SUCCESS" || a.FinishReason == "" {
			img.Thumbnail = w.thumbnail(log, a.Base64)
		}
		out.Images = append(out.Images, img)
	}
	if !anyUsable(out.Images) {
		return w.fail(ctx, log, p, chat.NewAPIError(chat.KindProviderRejected, providerName, "every image was filtered"))
	}

	metrics.Global().ImagesTotal.WithLabelValues("ok").Inc()
	log.Info().Int("images", len(out.Images)).Dur("took", time.Since(start)).Msg("images generated")
	return w.pub.Emit(ctx, events.ImageComplete, out)
}

func (w *worker) fail(ctx context.Context, log zerolog.Logger, p events.ImageRequestedPayload, err error) error {
	ref := xid.New().String()
	msg := err.Error()
	var apiErr *chat.APIError
	if errors.As(err, &apiErr) {
		apiErr.Reference = ref
		msg = apiErr.Message
	}
	metrics.Global().ImagesTotal.WithLabelValues("failed").Inc()
	log.Error().Err(err).Str("ref", ref).Msg("image generation failed")
	return w.pub.Emit(ctx, events.ImageFailed, events.ImageFailedPayload{
		RequestID: p.RequestID,
		UserID:    p.UserID,
		Error:     msg,
		Reference: ref,
	})
}

// thumbnail returns a JPEG data URL, or "" when the image cannot be decoded.
func (w *worker) thumbnail(log zerolog.Logger, b64 string) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		log.Warn().Err(err).Msg("artifact is not base64")
		return ""
	}
	thumb, err := attach.Thumbnail(raw, w.thumbEdge)
	if err != nil {
		log.Warn().Err(err).Msg("thumbnail")
		return ""
	}
	return attach.Join("image/jpeg", thumb)
}

func anyUsable(imgs []events.GeneratedImage) bool {
	for _, img := range imgs {
		if img.FinishReason != "CONTENT_FILTERED" && img.FinishReason != "ERROR" {
			return true
		}
	}
	return false
}
