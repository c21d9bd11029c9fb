// Package client executes one upstream call with concurrency admission,
// bounded retry/backoff, and credential refresh. Every outcome is fed back
// into the capacity registry so routing decisions reflect what actually
// happened on the wire.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/allaspectsdev/modelgate/internal/ratelimit"
	"github.com/allaspectsdev/modelgate/internal/tracing"
)

// maxResponseBytes bounds how much of an upstream body is read into memory.
const maxResponseBytes = 10 << 20

// Feedback receives the observed outcome of every call. The registry
// implements it; tests use a stub.
type Feedback interface {
	RecordRequest(provider string, tokensIn, tokensOut int, headers http.Header)
	RecordThrottle(provider string) time.Duration
}

// CallObserver is optionally implemented by a Feedback that also wants
// per-call telemetry: the final status with retry count, and in-flight
// deltas around each call.
type CallObserver interface {
	ObserveCall(provider string, statusCode, tokensIn, tokensOut, retries int)
	ObserveInflight(delta int)
}

// Options are the client tunables.
type Options struct {
	// MaxAttempts is the total attempt budget per call, first try included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// AttemptTimeout bounds each network attempt independently of the
	// overall retry budget. Zero means no per-attempt timeout.
	AttemptTimeout time.Duration
	// CredentialMaxAge is the credential age beyond which a proactive
	// refresh happens before sending. Zero disables proactive refresh.
	CredentialMaxAge time.Duration
	// PremiumTierMax splits providers into two admission classes: tiers at
	// or below it share the premium semaphore, the rest the standard one.
	PremiumTierMax int
	PremiumSlots   int64
	StandardSlots  int64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 30 * time.Second
	}
	if out.PremiumSlots <= 0 {
		out.PremiumSlots = 4
	}
	if out.StandardSlots <= 0 {
		out.StandardSlots = 8
	}
	return out
}

// Request describes one upstream call.
type Request struct {
	Provider string
	Tier     int
	Method   string // defaults to POST
	URL      string
	Body     []byte
	Header   http.Header
	// AuthHeader names the credential header; empty means a standard
	// Authorization bearer token, "x-api-key" sends the raw credential.
	AuthHeader string
	// EstTokensIn is the caller's input-size estimate, used for usage
	// feedback when the response does not report token counts.
	EstTokensIn int
}

// Result is the outcome of one call, including the retry metadata. A Result
// is returned for every completed HTTP exchange, throttled or not; only
// transport-level failure of every attempt yields an error instead.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Elapsed    time.Duration
	Retries    int
	RequestID  string
}

// Throttled reports whether the final response was a rate-limit rejection.
func (r *Result) Throttled() bool {
	return r.StatusCode == http.StatusTooManyRequests
}

// Client is the resilient request client. It is safe for concurrent use;
// its two admission semaphores are process-wide and independent of the
// per-provider capacity locks.
type Client struct {
	http     *http.Client
	feedback Feedback
	opts     Options
	logger   zerolog.Logger

	premium  *semaphore.Weighted
	standard *semaphore.Weighted

	mu           sync.RWMutex
	sources      map[string]CredentialSource
	ignoreHints  map[string]bool
	authQuirk400 map[string]bool

	now func() time.Time
}

// New creates a Client reporting into feedback.
func New(feedback Feedback, opts Options, logger zerolog.Logger) *Client {
	o := opts.withDefaults()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		http:         &http.Client{Transport: transport},
		feedback:     feedback,
		opts:         o,
		logger:       logger,
		premium:      semaphore.NewWeighted(o.PremiumSlots),
		standard:     semaphore.NewWeighted(o.StandardSlots),
		sources:      make(map[string]CredentialSource),
		ignoreHints:  make(map[string]bool),
		authQuirk400: make(map[string]bool),
		now:          time.Now,
	}
}

// SetCredentialSource registers the credential source for a provider.
func (c *Client) SetCredentialSource(provider string, source CredentialSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[provider] = source
}

// SetIgnoreRetryHints flags a provider whose Retry-After hints are known to
// be unreasonable and must be ignored.
func (c *Client) SetIgnoreRetryHints(provider string, ignore bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ignoreHints[provider] = ignore
}

// SetAuthQuirk400 flags a provider that disguises authentication failures
// as HTTP 400 responses.
func (c *Client) SetAuthQuirk400(provider string, quirk bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authQuirk400[provider] = quirk
}

func (c *Client) source(provider string) CredentialSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[provider]
}

func (c *Client) flag(m map[string]bool, provider string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return m[provider]
}

// classFor returns the admission semaphore for a provider tier.
func (c *Client) classFor(tier int) *semaphore.Weighted {
	if tier <= c.opts.PremiumTierMax {
		return c.premium
	}
	return c.standard
}

// Do executes the request: acquire the tier-class semaphore, proactively
// refresh a stale credential, send, retry retryable failures with backoff,
// and reactively refresh once on an auth-shaped response. The final
// response is returned as-is once the retry budget is spent.
func (c *Client) Do(ctx context.Context, req *Request) (*Result, error) {
	requestID := uuid.New().String()
	logger := c.logger.With().
		Str("request_id", requestID).
		Str("provider", req.Provider).
		Logger()

	sem := c.classFor(req.Tier)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("admission for provider %s: %w", req.Provider, err)
	}
	defer sem.Release(1)

	obs, _ := c.feedback.(CallObserver)
	if obs != nil {
		obs.ObserveInflight(1)
		defer obs.ObserveInflight(-1)
	}

	ctx, span := tracing.StartCallSpan(ctx, req.Provider, req.URL, requestID)
	defer span.End()

	start := c.now()

	token, err := c.prepareCredential(ctx, req.Provider, logger)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	source := c.source(req.Provider)
	refreshedReactively := false

	var last *Result
	var lastErr error
	retries := 0

	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		statusCode, header, body, err := c.attempt(ctx, req, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("upstream attempt failed")
			if attempt == c.opts.MaxAttempts-1 {
				break
			}
			if err := sleepWithContext(ctx, backoffDelay(attempt, c.opts.BaseDelay, c.opts.MaxDelay, -1)); err != nil {
				return nil, err
			}
			retries++
			continue
		}

		last = &Result{
			StatusCode: statusCode,
			Header:     header,
			Body:       body,
			Retries:    retries,
			RequestID:  requestID,
		}

		// Reactive credential refresh: one shot per request, and a second
		// auth failure surfaces unmodified. Auth failures never become
		// cooldowns.
		authShaped := isAuthStatus(statusCode) ||
			(statusCode == http.StatusBadRequest && c.flag(c.authQuirk400, req.Provider) && looksLikeAuthBody(body))
		if authShaped {
			if source == nil || refreshedReactively {
				break
			}
			refreshedReactively = true
			fresh, rerr := source.Refresh(ctx, true)
			if rerr != nil || fresh == "" {
				logger.Warn().Err(rerr).Msg("credential refresh after auth failure did not yield a token")
				break
			}
			logger.Info().Int("status", statusCode).Msg("refreshed credential after auth failure, retrying once")
			token = fresh
			retries++
			continue
		}

		if isRetryableStatus(statusCode) {
			cooldown := c.feedback.RecordThrottle(req.Provider)

			if attempt == c.opts.MaxAttempts-1 {
				break
			}

			hint := time.Duration(-1)
			if snap := ratelimit.Parse(header); snap != nil && snap.RetryAfter >= 0 {
				if c.flag(c.ignoreHints, req.Provider) {
					logger.Debug().Dur("hint", snap.RetryAfter).Msg("ignoring retry hint from flagged provider")
				} else {
					hint = snap.RetryAfter
				}
			}

			wait := backoffDelay(attempt, c.opts.BaseDelay, c.opts.MaxDelay, hint)
			logger.Warn().
				Int("status", statusCode).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Dur("cooldown", cooldown).
				Msg("retryable upstream status")
			if err := sleepWithContext(ctx, wait); err != nil {
				return nil, err
			}
			retries++
			continue
		}

		// Success or a non-retryable error: record usage and return.
		in, out := usageFromBody(body)
		if in == 0 {
			in = req.EstTokensIn
		}
		c.feedback.RecordRequest(req.Provider, in, out, header)

		last.Elapsed = c.now().Sub(start)
		last.Retries = retries
		tracing.SetCallResult(ctx, statusCode, retries)
		if obs != nil {
			obs.ObserveCall(req.Provider, statusCode, in, out, retries)
		}
		return last, nil
	}

	if last != nil {
		// Retry budget spent or auth failure surfaced: the response is
		// handed back as-is, never converted to an error.
		last.Elapsed = c.now().Sub(start)
		last.Retries = retries
		tracing.SetCallResult(ctx, last.StatusCode, retries)
		if obs != nil {
			obs.ObserveCall(req.Provider, last.StatusCode, 0, 0, retries)
		}
		return last, nil
	}
	return nil, fmt.Errorf("provider %s: all %d attempts failed: %w", req.Provider, c.opts.MaxAttempts, lastErr)
}

// prepareCredential fetches the provider credential and refreshes it up
// front when stale. The refresh happens at most once per request; a failed
// proactive refresh falls back to the existing credential.
func (c *Client) prepareCredential(ctx context.Context, provider string, logger zerolog.Logger) (string, error) {
	source := c.source(provider)
	if source == nil {
		return "", nil
	}

	token, err := source.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("credential for provider %s: %w", provider, err)
	}

	if credentialStale(token, source, c.opts.CredentialMaxAge, c.now()) {
		fresh, rerr := source.Refresh(ctx, false)
		if rerr != nil || fresh == "" {
			logger.Warn().Err(rerr).Msg("proactive credential refresh failed, using existing credential")
			return token, nil
		}
		logger.Debug().Msg("proactively refreshed credential")
		return fresh, nil
	}
	return token, nil
}

// attempt performs one network exchange under its own timeout and returns
// the status, headers, and fully read body.
func (c *Client) attempt(ctx context.Context, req *Request, token string) (int, http.Header, []byte, error) {
	actx := ctx
	if c.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(actx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for key, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Set(key, v)
		}
	}
	if token != "" {
		switch req.AuthHeader {
		case "", "Authorization":
			httpReq.Header.Set("Authorization", "Bearer "+token)
		default:
			httpReq.Header.Set(req.AuthHeader, token)
		}
	}

	tracing.InjectHeaders(actx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}
