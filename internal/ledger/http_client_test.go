package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func newLedgerServer(t *testing.T) (*Ledger, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := New(NewMemoryStore()).WithLogger(slog.New(slog.DiscardHandler))
	r := gin.New()
	NewHandler(l, slog.New(slog.DiscardHandler)).RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return l, srv
}

func newTestHTTPClient(url string, opts ...HTTPOption) *HTTPClient {
	base := []HTTPOption{
		WithRetryPolicy(fastRetry),
		WithHTTPDoer(&http.Client{Timeout: time.Second}),
		WithHTTPLogger(slog.New(slog.DiscardHandler)),
	}
	return NewHTTPClient(url+"/v1", "secret", append(base, opts...)...)
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	l, srv := newLedgerServer(t)
	c := newTestHTTPClient(srv.URL)
	ctx := context.Background()

	ref, err := c.Reserve(ctx, ReserveRequest{OrderID: "ord_1", BuyerID: "buyer-1", Amount: dec("1000"), Currency: "USD", IdempotencyKey: "r1"})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	txRef, err := c.Release(ctx, releaseReq("k1", "500"))
	require.NoError(t, err)

	again, err := c.Release(ctx, releaseReq("k1", "500"))
	require.NoError(t, err)
	assert.Equal(t, txRef, again, "replayed key must return the original reference")

	got, found, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, txRef, got)

	_, found, err = c.Lookup(ctx, "k-missing")
	require.NoError(t, err)
	assert.False(t, found)

	total, err := c.ReleasedFor(ctx, "ord_1")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("500")), "released %s", total)

	hold, err := l.GetHold(ctx, "ord_1")
	require.NoError(t, err)
	assert.True(t, hold.Released.Equal(dec("500")))
}

func TestHTTPClient_RejectionIsDefinite(t *testing.T) {
	_, srv := newLedgerServer(t)
	c := newTestHTTPClient(srv.URL)

	// No hold exists for the order.
	_, err := c.Release(context.Background(), releaseReq("k1", "500"))
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.False(t, errors.Is(err, ErrOutcomeUnknown))
}

func TestHTTPClient_RetriesServerErrorsWithSameKey(t *testing.T) {
	var calls atomic.Int32
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get(IdempotencyHeader))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txRef":"ltx_1"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", WithRetryPolicy(fastRetry), WithHTTPLogger(slog.New(slog.DiscardHandler)))
	ref, err := c.Release(context.Background(), releaseReq("k1", "500"))
	require.NoError(t, err)
	assert.Equal(t, "ltx_1", ref)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"k1", "k1", "k1"}, keys)
}

func TestHTTPClient_TimeoutIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", WithRetryPolicy(retry.Policy{MaxAttempts: 1}), WithHTTPLogger(slog.New(slog.DiscardHandler)))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Release(ctx, releaseReq("k1", "500"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutcomeUnknown))
	assert.False(t, IsRejected(err))
}

func TestHTTPClient_BreakerOpensOnFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	c := NewHTTPClient(srv.URL, "",
		WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
		WithBreaker(breaker),
		WithHTTPLogger(slog.New(slog.DiscardHandler)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Release(ctx, releaseReq("k1", "500"))
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State(breakerKeyHTTP))

	_, err := c.Release(ctx, releaseReq("k1", "500"))
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	assert.True(t, errors.Is(err, ErrOutcomeUnknown), "an open breaker never proves the key was not executed earlier")
	assert.Equal(t, int32(2), calls.Load())
}

func TestHandler_RequiresIdempotencyKey(t *testing.T) {
	_, srv := newLedgerServer(t)
	resp, err := http.Post(srv.URL+"/v1/ledger/releases", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPClient_Ping(t *testing.T) {
	_, srv := newLedgerServer(t)
	require.NoError(t, newTestHTTPClient(srv.URL).Ping(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()
	assert.Error(t, newTestHTTPClient(down.URL).Ping(context.Background()))
}
