package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token
}

// EscrowClient is a read-only HTTP client for the escrow API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrow API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get makes a GET request and returns the response body.
func (c *EscrowClient) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	return json.RawMessage(body), nil
}

// GetOrder returns one order.
func (c *EscrowClient) GetOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/orders/"+url.PathEscape(orderID), nil)
}

// ListOrders lists orders, optionally filtered by status, party and flag.
func (c *EscrowClient) ListOrders(ctx context.Context, status, party string, flagged *bool, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if party != "" {
		q.Set("party", party)
	}
	if flagged != nil {
		q.Set("flagged", strconv.FormatBool(*flagged))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/orders", q)
}

// ListReleases returns the release ledger of an order.
func (c *EscrowClient) ListReleases(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/releases", nil)
}

// ListDisputes returns every dispute opened on an order.
func (c *EscrowClient) ListDisputes(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/disputes", nil)
}

// GetDispute returns one dispute with its evidence and ruling.
func (c *EscrowClient) GetDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/disputes/"+url.PathEscape(disputeID), nil)
}
