package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/api"
	"pkt.systems/checkoutd/internal/loggingutil"
)

const headerCorrelationID = "X-Correlation-Id"

// Client defaults.
const (
	DefaultHTTPTimeout    = 15 * time.Second
	DefaultRetries        = 5
	DefaultRetryBaseDelay = 200 * time.Millisecond
	DefaultRetryMaxDelay  = 5 * time.Second
)

// ErrNoSession is returned by session calls before a token is known.
var ErrNoSession = errors.New("checkoutd: no session token, call CreateSession or SetToken first")

// Client is a convenience wrapper around the checkoutd HTTP API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	httpTimeout    time.Duration
	logger         pslog.Base
	retries        uint
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	mu        sync.RWMutex
	token     string
	sessionID string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = loggingutil.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout bounds each HTTP attempt. Event streams are exempt.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithRetries sets how many times a retryable response is retried. Zero
// disables retries.
func WithRetries(n uint) Option {
	return func(c *Client) {
		c.retries = n
	}
}

// WithRetryBackoff adjusts the exponential backoff between retries.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.retryBaseDelay = base
		}
		if max > 0 {
			c.retryMaxDelay = max
		}
	}
}

// WithToken resumes an existing session.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New returns a client for baseURL (http, https or unix scheme).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	c := &Client{
		httpTimeout:    DefaultHTTPTimeout,
		logger:         pslog.NoopLogger(),
		retries:        DefaultRetries,
		retryBaseDelay: DefaultRetryBaseDelay,
		retryMaxDelay:  DefaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		c.baseURL = strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/")
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
	case "unix":
		socket := u.Path
		if socket == "" {
			return nil, fmt.Errorf("unix endpoint requires a socket path")
		}
		c.baseURL = "http://unix"
		if c.httpClient == nil {
			dialer := &net.Dialer{}
			c.httpClient = &http.Client{Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socket)
				},
			}}
		}
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return c, nil
}

// Token returns the bearer token currently presented.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SessionID returns the id of the session last seen by this client.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SetToken switches the client to another session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
	c.sessionID = ""
}

func (c *Client) remember(resp *api.SessionResponse) {
	if resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.Token != "" {
		c.token = resp.Token
	}
	if resp.Session.ID != "" {
		c.sessionID = resp.Session.ID
	}
}

func (c *Client) bearer() (string, error) {
	tok := c.Token()
	if tok == "" {
		return "", ErrNoSession
	}
	return tok, nil
}

// CreateSession prices a bundle and opens a session. The returned token is
// kept for subsequent calls.
func (c *Client) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.SessionResponse, error) {
	var resp api.SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/create", "", req, &resp); err != nil {
		return nil, err
	}
	c.remember(&resp)
	return &resp, nil
}

// GetSession reads the current session.
func (c *Client) GetSession(ctx context.Context) (*api.Session, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	var resp api.SessionResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/session", tok, nil, &resp); err != nil {
		return nil, err
	}
	c.remember(&resp)
	return &resp.Session, nil
}

// Authenticate binds userID to the session. The server rotates the token.
func (c *Client) Authenticate(ctx context.Context, userID string) (*api.SessionResponse, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	var resp api.SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/authenticate", tok, api.AuthenticateRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	c.remember(&resp)
	return &resp, nil
}

// SetDelivery chooses how the eSIM is delivered.
func (c *Client) SetDelivery(ctx context.Context, req api.DeliveryRequest) (*api.Session, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	var resp api.SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/delivery", tok, req, &resp); err != nil {
		return nil, err
	}
	c.remember(&resp)
	return &resp.Session, nil
}

// Pay starts payment. Calling it on a completed session returns the order.
func (c *Client) Pay(ctx context.Context) (*api.PaymentResponse, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	var resp api.PaymentResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/pay", tok, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshToken asks for a new token with the session's expiry. The previous
// token stops working.
func (c *Client) RefreshToken(ctx context.Context) (*api.SessionResponse, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	var resp api.SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/token/refresh", tok, nil, &resp); err != nil {
		return nil, err
	}
	c.remember(&resp)
	return &resp, nil
}

// RenewPaymentIntent replaces the session's payment intent.
func (c *Client) RenewPaymentIntent(ctx context.Context) (*api.Session, error) {
	tok, err := c.bearer()
	if err != nil {
		return nil, err
	}
	var resp api.SessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/session/payment-intent/renew", tok, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// Sweep triggers expiry of overdue sessions using the admin key.
func (c *Client) Sweep(ctx context.Context, adminKey string) (int, error) {
	if strings.TrimSpace(adminKey) == "" {
		return 0, fmt.Errorf("admin key required")
	}
	var resp api.SweepResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/admin/sweep", adminKey, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Expired, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, bearer string, payload, out any) error {
	var body []byte
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf.Bytes()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBaseDelay
	policy.MaxInterval = c.retryMaxDelay
	hinted := &hintedBackOff{BackOff: policy}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := c.attempt(ctx, method, path, bearer, body, out)
		if err == nil {
			return struct{}{}, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() && uint(attempt) <= c.retries {
			hinted.hint = apiErr.RetryAfterDuration()
			c.logDebugCtx(ctx, "client.http.retry", "path", path, "attempt", attempt, "status", apiErr.Status, "code", apiErr.Response.ErrorCode)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(hinted),
		backoff.WithMaxTries(c.retries+1),
		backoff.WithMaxElapsedTime(0),
	)
	return unwrapPermanent(err)
}

func (c *Client) attempt(ctx context.Context, method, path, bearer string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	applyCorrelationHeader(ctx, req)
	c.logTraceCtx(ctx, "client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logErrorCtx(ctx, "client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logWarnCtx(ctx, "client.http.error", "method", method, "path", path, "status", resp.StatusCode)
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	c.logTraceCtx(ctx, "client.http.success", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}

// hintedBackOff waits at least the server's Retry-After hint.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Warn(msg, enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Error(msg, enrichKeyvals(ctx, keyvals)...)
}

func enrichKeyvals(ctx context.Context, keyvals []any) []any {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return append(keyvals, "cid", id)
	}
	return keyvals
}
