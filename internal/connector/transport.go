package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"market-pipeline/internal/config"
)

const maxPayloadBytes = 32 << 20

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Message)
}

// transport is the HTTP plumbing shared by the REST-style connectors: a
// per-source rate limiter, a bounded exponential retry budget and bearer
// token handling.
type transport struct {
	source       string
	client       *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryInitial time.Duration
	userAgent    string
	logger       zerolog.Logger

	mu    sync.RWMutex
	token string
}

func newTransport(cfg config.SourceConfig, logger zerolog.Logger) *transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSecond := cfg.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "pricepipe/1.0"
	}
	return &transport{
		source:       cfg.ID,
		client:       &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(perSecond), burst),
		maxRetries:   cfg.MaxRetries,
		retryInitial: 250 * time.Millisecond,
		userAgent:    ua,
		logger:       logger,
	}
}

func (t *transport) setToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

func (t *transport) bearer() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *transport) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryInitial
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	retries := t.maxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// get performs a throttled GET with retries on transport errors, 429 and 5xx.
// 401/403 fail immediately with ErrSourceAuth; other 4xx are returned as a
// *StatusError wrapped in ErrSourceUnavailable.
func (t *transport) get(ctx context.Context, op, url string) ([]byte, error) {
	attempt := 0
	payload, err := backoff.RetryWithData(func() ([]byte, error) {
		attempt++
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json, text/csv")
		req.Header.Set("User-Agent", t.userAgent)
		if token := t.bearer(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			t.logger.Debug().Err(err).Int("attempt", attempt).Str("op", op).Msg("upstream request failed")
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(newError(t.source, op, ErrSourceAuth, parseHTTPError(resp.StatusCode, body)))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			t.logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt).Str("op", op).Msg("upstream asked to retry")
			return nil, parseHTTPError(resp.StatusCode, body)
		default:
			return nil, backoff.Permanent(parseHTTPError(resp.StatusCode, body))
		}
	}, t.backoff(ctx))
	if err == nil {
		return payload, nil
	}

	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return nil, srcErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, newError(t.source, op, ErrSourceUnavailable, ctxErr)
	}
	return nil, newError(t.source, op, ErrSourceUnavailable, err)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

func parseHTTPError(status int, payload []byte) *StatusError {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		for _, msg := range []string{apiErr.Message, apiErr.Detail, apiErr.Error} {
			if msg != "" {
				return &StatusError{Code: status, Message: msg}
			}
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &StatusError{Code: status, Message: msg}
}
