package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/events"
)

type emitted struct {
	key     string
	payload any
}

type fakePublisher struct {
	mu  sync.Mutex
	out []emitted
}

func (f *fakePublisher) Emit(_ context.Context, key string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, emitted{key, payload})
	return nil
}

type fakeGenerator struct {
	arts []Artifact
	err  error
	got  TextToImage
}

func (f *fakeGenerator) Generate(_ context.Context, req TextToImage) ([]Artifact, error) {
	f.got = req
	return f.arts, f.err
}

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 200, A: 255}), imaging.PNG))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHandleCompletesWithThumbnails(t *testing.T) {
	gen := &fakeGenerator{arts: []Artifact{
		{Base64: pngBase64(t, 1024, 512), Seed: 7, FinishReason: "SUCCESS"},
		{Base64: "", Seed: 8, FinishReason: "CONTENT_FILTERED"},
	}}
	pub := &fakePublisher{}
	w := newWorker(gen, pub, 128)

	err := w.handle(context.Background(), events.ImageRequestedPayload{RequestID: "r1", UserID: "u1", Prompt: "a fox", Samples: 2})
	require.NoError(t, err)
	assert.Equal(t, "a fox", gen.got.Prompt)
	assert.Equal(t, 2, gen.got.Samples)

	require.Len(t, pub.out, 1)
	assert.Equal(t, events.ImageComplete, pub.out[0].key)
	p := pub.out[0].payload.(events.ImageCompletePayload)
	assert.Equal(t, "u1", p.UserID)
	require.Len(t, p.Images, 2)
	assert.True(t, strings.HasPrefix(p.Images[0].Thumbnail, "data:image/jpeg;base64,"))
	assert.Empty(t, p.Images[1].Thumbnail)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(p.Images[0].Thumbnail, "data:image/jpeg;base64,"))
	require.NoError(t, err)
	img, err := imaging.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
	assert.Equal(t, 64, img.Bounds().Dy())
}

func TestHandleFailureCarriesReference(t *testing.T) {
	gen := &fakeGenerator{err: chat.NewAPIError(chat.KindProviderRejected, providerName, "insufficient balance")}
	pub := &fakePublisher{}

	require.NoError(t, newWorker(gen, pub, 128).handle(context.Background(), events.ImageRequestedPayload{RequestID: "r1", Prompt: "x"}))

	require.Len(t, pub.out, 1)
	assert.Equal(t, events.ImageFailed, pub.out[0].key)
	p := pub.out[0].payload.(events.ImageFailedPayload)
	assert.Equal(t, "insufficient balance", p.Error)
	assert.Len(t, p.Reference, 20)
}

func TestHandleAllFilteredFails(t *testing.T) {
	gen := &fakeGenerator{arts: []Artifact{{FinishReason: "CONTENT_FILTERED"}}}
	pub := &fakePublisher{}

	require.NoError(t, newWorker(gen, pub, 128).handle(context.Background(), events.ImageRequestedPayload{RequestID: "r1", Prompt: "x"}))

	require.Len(t, pub.out, 1)
	assert.Equal(t, events.ImageFailed, pub.out[0].key)
	assert.Contains(t, pub.out[0].payload.(events.ImageFailedPayload).Error, "filtered")
}

func TestHandleShutdownRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeGenerator{err: context.Canceled}
	pub := &fakePublisher{}

	err := newWorker(gen, pub, 128).handle(ctx, events.ImageRequestedPayload{RequestID: "r1", Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.out)
}
