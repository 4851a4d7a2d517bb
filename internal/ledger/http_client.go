package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/retry"
)

const breakerKeyHTTP = "ledger_http"

// errStatusNotFound is a 404 from the remote ledger.
var errStatusNotFound = errors.New("ledger: remote returned 404")

// HTTPClient talks to a remote ledger service speaking the Handler's API.
// Every mutating call carries the idempotency key in a header, so retries
// after a timeout or a 5xx can never move funds twice.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPDoer replaces the underlying *http.Client.
func WithHTTPDoer(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithRetryPolicy sets how transient failures are retried.
func WithRetryPolicy(p retry.Policy) HTTPOption {
	return func(h *HTTPClient) { h.retry = p }
}

// WithBreaker guards calls with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) HTTPOption {
	return func(h *HTTPClient) { h.breaker = b }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for the ledger at baseURL.
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   retry.DefaultPolicy,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = func(err error) bool {
		return !IsRejected(err) && !errors.Is(err, circuitbreaker.ErrOpen)
	}
	return c
}

// Reserve implements Reserver.
func (c *HTTPClient) Reserve(ctx context.Context, req ReserveRequest) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	err := c.call(ctx, http.MethodPost, "/ledger/holds", req.IdempotencyKey, req, &out)
	RemoteCallsTotal.WithLabelValues("http", remoteResult(err)).Inc()
	if err != nil {
		return "", c.outcome("reserve", err)
	}
	return out.Ref, nil
}

// Release implements Client.
func (c *HTTPClient) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	var out struct {
		TxRef string `json:"txRef"`
	}
	err := c.call(ctx, http.MethodPost, "/ledger/releases", req.IdempotencyKey, req, &out)
	RemoteCallsTotal.WithLabelValues("http", remoteResult(err)).Inc()
	if err != nil {
		return "", c.outcome("release", err)
	}
	if out.TxRef == "" {
		return "", fmt.Errorf("%w: empty transaction reference", ErrOutcomeUnknown)
	}
	return out.TxRef, nil
}

// Lookup implements Client.
func (c *HTTPClient) Lookup(ctx context.Context, key string) (string, bool, error) {
	var out struct {
		TxRef string `json:"txRef"`
	}
	err := c.call(ctx, http.MethodGet, "/ledger/releases/"+url.PathEscape(key), "", nil, &out)
	if errors.Is(err, errStatusNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ledger: lookup %s: %w", key, err)
	}
	return out.TxRef, true, nil
}

// ReleasedFor implements Auditor.
func (c *HTTPClient) ReleasedFor(ctx context.Context, orderID string) (decimal.Decimal, error) {
	var out struct {
		Transfers []Transfer `json:"transfers"`
	}
	err := c.call(ctx, http.MethodGet, "/ledger/orders/"+url.PathEscape(orderID), "", nil, &out)
	if errors.Is(err, errStatusNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: audit %s: %w", orderID, err)
	}
	total := decimal.Zero
	for _, t := range out.Transfers {
		total = total.Add(t.Amount)
	}
	return total, nil
}

// Ping checks that the remote ledger answers its health probe. It
// bypasses retries and the breaker so health checks never trip it.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ledger/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: liveness returned %d", resp.StatusCode)
	}
	if c.breaker.State(breakerKeyHTTP) == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	return nil
}

// outcome keeps rejections definite and marks everything else unknown.
func (c *HTTPClient) outcome(op string, err error) error {
	if IsRejected(err) {
		return err
	}
	c.logger.Warn("remote ledger call failed", "op", op, "error", err)
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
}

func (c *HTTPClient) call(ctx context.Context, method, path, key string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return reject(fmt.Errorf("encode request: %w", err))
		}
	}

	countable := func(err error) bool {
		return !IsRejected(err) && !errors.Is(err, errStatusNotFound)
	}
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(breakerKeyHTTP, countable, func() error {
			return c.once(ctx, method, path, key, payload, out)
		})
	})
}

func (c *HTTPClient) once(ctx context.Context, method, path, key string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return retry.Permanent(reject(err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return retry.Permanent(errStatusNotFound)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("ledger: remote returned %d: %s", resp.StatusCode, remoteMessage(raw))
	default:
		return retry.Permanent(reject(fmt.Errorf("remote returned %d: %s", resp.StatusCode, remoteMessage(raw))))
	}
}

func remoteMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}

var (
	_ Client   = (*HTTPClient)(nil)
	_ Reserver = (*HTTPClient)(nil)
	_ Auditor  = (*HTTPClient)(nil)
)
