package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/forge-ai/codeforge/shared/chat"
	"github.com/forge-ai/codeforge/shared/metrics"
)

const maxBody = 8 << 20

type transport struct {
	kind    Kind
	client  *http.Client
	limiter *rate.Limiter
}

func newTransport(kind Kind, client *http.Client, limiter *rate.Limiter) transport {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return transport{kind: kind, client: client, limiter: limiter}
}

// post sends body and returns the raw response body of a 2xx reply. Every
// failure comes back as an *chat.APIError or wraps chat.ErrCancelled.
func (t transport) post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	provider := t.kind.String()
	start := time.Now()
	defer func() {
		metrics.Global().DispatchLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctxFailure(ctx, provider)
			}
			return nil, chat.WrapAPIError(chat.KindTransportFailure, provider, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, chat.WrapAPIError(chat.KindTransportFailure, provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxFailure(ctx, provider)
		}
		return nil, chat.WrapAPIError(chat.KindTransportFailure, provider, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxFailure(ctx, provider)
		}
		return nil, chat.WrapAPIError(chat.KindTransportFailure, provider, fmt.Errorf("read response: %w", err))
	}

	if apiErr := payloadError(provider, raw); apiErr != nil {
		return nil, apiErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := chat.NewAPIError(chat.KindProviderRejected, provider, statusMessage(resp.StatusCode, raw))
		apiErr.Code = strconv.Itoa(resp.StatusCode)
		return nil, apiErr
	}
	return raw, nil
}

// payloadError extracts {"error": {...}} or {"error": "..."} from a reply.
// OpenRouter reports code as a number or a string and sometimes only type;
// Gemini adds status.
func payloadError(provider string, raw []byte) *chat.APIError {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	e := gjson.GetBytes(raw, "error")
	if !e.Exists() || e.Type == gjson.Null {
		return nil
	}
	if e.Type == gjson.String {
		return chat.NewAPIError(chat.KindProviderRejected, provider, e.String())
	}

	msg := e.Get("message").String()
	if msg == "" {
		msg = e.Raw
	}
	apiErr := chat.NewAPIError(chat.KindProviderRejected, provider, msg)
	for _, field := range []string{"code", "type", "status"} {
		if v := e.Get(field); v.Exists() && v.String() != "" {
			apiErr.Code = v.String()
			break
		}
	}
	return apiErr
}

func statusMessage(status int, raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if len(text) > 300 {
		text = text[:300]
	}
	if text == "" {
		return http.StatusText(status)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(status), text)
}

// ctxFailure maps a done context: a cancel is a user stop, a deadline is an
// ordinary transport failure that may still fall back.
func ctxFailure(ctx context.Context, provider string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return chat.WrapAPIError(chat.KindTransportFailure, provider, ctx.Err())
	}
	return fmt.Errorf("%w: %w", chat.ErrCancelled, ctx.Err())
}

func stopped(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func malformed(provider, format string, args ...any) *chat.APIError {
	return chat.NewAPIError(chat.KindMalformedResponse, provider, fmt.Sprintf(format, args...))
}

func credentialMissing(provider string, err error) *chat.APIError {
	return chat.WrapAPIError(chat.KindCredentialMissing, provider, err)
}

// IsCancelled reports whether err is a user-initiated stop.
func IsCancelled(err error) bool {
	return errors.Is(err, chat.ErrCancelled)
}
