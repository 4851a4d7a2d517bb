package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/tradeescrow/internal/money"
)

const (
	metaIdempotencyKey = "idempotency_key"
	metaOrderID        = "order_id"
	metaRecipient      = "recipient"

	// lookupWindow bounds how far back Lookup scans for a key.
	lookupWindow = 7 * 24 * time.Hour
	// maxLookupScan caps the transfers Lookup inspects.
	maxLookupScan = 1000
)

// AccountResolver maps a trade party's client id to a connected account.
type AccountResolver func(ctx context.Context, clientID string) (string, error)

// ConnectedAccountResolver accepts client ids that are connected account ids.
func ConnectedAccountResolver(_ context.Context, clientID string) (string, error) {
	if !strings.HasPrefix(clientID, "acct_") {
		return "", fmt.Errorf("no connected account for %q", clientID)
	}
	return clientID, nil
}

// StripeConfig configures a StripeClient.
type StripeConfig struct {
	SecretKey string
	// BackendURL overrides the API endpoint (stripe-mock, tests).
	BackendURL string
	// MaxNetworkRetries is passed to the SDK, which retries with the same
	// idempotency key.
	MaxNetworkRetries int64
}

// StripeOption configures a StripeClient.
type StripeOption func(*StripeClient)

// WithAccountResolver sets how recipients map to connected accounts.
func WithAccountResolver(r AccountResolver) StripeOption {
	return func(c *StripeClient) { c.resolve = r }
}

// WithStripeLogger sets the logger.
func WithStripeLogger(l *slog.Logger) StripeOption {
	return func(c *StripeClient) { c.logger = l }
}

// StripeClient pays escrow releases out of the platform balance as
// Connect transfers. Each order's transfers share a transfer group named
// after the order, and the escrow idempotency key is both the Stripe
// idempotency key and transfer metadata so it can be found again.
type StripeClient struct {
	api     *client.API
	resolve AccountResolver
	logger  *slog.Logger
	now     func() time.Time
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(cfg StripeConfig, opts ...StripeOption) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("ledger: stripe secret key required")
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	c := &StripeClient{
		api:     client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		resolve: ConnectedAccountResolver,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Release implements Client.
func (c *StripeClient) Release(ctx context.Context, req ReleaseRequest) (txRef string, err error) {
	defer func() { RemoteCallsTotal.WithLabelValues("stripe", remoteResult(err)).Inc() }()

	destination, err := c.resolve(ctx, req.RecipientID)
	if err != nil {
		return "", reject(err)
	}
	units := req.Amount.Shift(money.Scale(req.Currency))
	if !req.Amount.IsPositive() || !units.IsInteger() {
		return "", reject(fmt.Errorf("%w: %s %s", ErrInvalidAmount, req.Amount, req.Currency))
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(units.IntPart()),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(destination),
		TransferGroup: stripe.String(req.OrderID),
		Description:   stripe.String(fmt.Sprintf("escrow release for %s", req.OrderID)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metaIdempotencyKey, req.IdempotencyKey)
	params.AddMetadata(metaOrderID, req.OrderID)
	params.AddMetadata(metaRecipient, req.Recipient)

	t, err := c.api.Transfers.New(params)
	if err != nil {
		return "", classifyStripe(err)
	}
	c.logger.Info("stripe transfer created", "order_id", req.OrderID, "transfer_id", t.ID,
		"destination", destination, "amount", req.Amount.String())
	return t.ID, nil
}

// classifyStripe keeps definite API refusals definite. Rate limits,
// idempotency races, server errors and network failures stay unknown.
func classifyStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests,
			se.HTTPStatusCode == http.StatusConflict,
			se.HTTPStatusCode >= 500:
		case se.HTTPStatusCode >= 400:
			return reject(fmt.Errorf("stripe %s: %s", se.Type, se.Msg))
		}
	}
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
}

// Lookup implements Client by scanning recent transfers for the key.
func (c *StripeClient) Lookup(ctx context.Context, key string) (string, bool, error) {
	params := &stripe.TransferListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: c.now().Add(-lookupWindow).Unix()},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	iter := c.api.Transfers.List(params)
	for scanned := 0; scanned < maxLookupScan && iter.Next(); scanned++ {
		t := iter.Transfer()
		if t.Metadata[metaIdempotencyKey] == key {
			return t.ID, true, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", false, fmt.Errorf("ledger: list stripe transfers: %w", err)
	}
	return "", false, nil
}

// ReleasedFor implements Auditor from the order's transfer group.
func (c *StripeClient) ReleasedFor(ctx context.Context, orderID string) (decimal.Decimal, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(orderID)}
	params.Context = ctx

	total := decimal.Zero
	iter := c.api.Transfers.List(params)
	for iter.Next() {
		t := iter.Transfer()
		net := t.Amount - t.AmountReversed
		total = total.Add(decimal.New(net, -money.Scale(string(t.Currency))))
	}
	if err := iter.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: list stripe transfers: %w", err)
	}
	return total, nil
}

var (
	_ Client  = (*StripeClient)(nil)
	_ Auditor = (*StripeClient)(nil)
)
