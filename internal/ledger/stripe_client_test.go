package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stripeStub answers the transfer endpoints the client uses.
type stripeStub struct {
	mu        sync.Mutex
	transfers []map[string]any
	forms     []map[string]string
	keys      []string
	status    int
}

func (s *stripeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	if s.status != 0 {
		w.WriteHeader(s.status)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such destination"}}`))
		return
	}

	switch r.Method {
	case http.MethodPost:
		_ = r.ParseForm()
		form := map[string]string{}
		for k, v := range r.PostForm {
			form[k] = v[0]
		}
		s.forms = append(s.forms, form)
		s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
		tr := map[string]any{
			"id":             "tr_" + form["metadata[idempotency_key]"],
			"object":         "transfer",
			"amount":         json.Number(form["amount"]),
			"currency":       form["currency"],
			"transfer_group": form["transfer_group"],
			"metadata": map[string]string{
				"idempotency_key": form["metadata[idempotency_key]"],
				"order_id":        form["metadata[order_id]"],
			},
		}
		s.transfers = append(s.transfers, tr)
		_ = json.NewEncoder(w).Encode(tr)
	case http.MethodGet:
		group := r.URL.Query().Get("transfer_group")
		data := []map[string]any{}
		for _, tr := range s.transfers {
			if group == "" || tr["transfer_group"] == group {
				data = append(data, tr)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list", "url": "/v1/transfers", "has_more": false, "data": data,
		})
	}
}

func newTestStripeClient(t *testing.T, stub *stripeStub) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	c, err := NewStripeClient(StripeConfig{SecretKey: "sk_test_123", BackendURL: srv.URL},
		WithStripeLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	return c
}

func stripeReq(key, amount string) ReleaseRequest {
	return ReleaseRequest{
		OrderID: "ord_1", Amount: dec(amount), Currency: "USD",
		Recipient: "seller", RecipientID: "acct_seller", IdempotencyKey: key,
	}
}

func TestStripeClient_ReleaseCreatesTransfer(t *testing.T) {
	stub := &stripeStub{}
	c := newTestStripeClient(t, stub)
	ctx := context.Background()

	ref, err := c.Release(ctx, stripeReq("k1", "500.25"))
	require.NoError(t, err)
	assert.Equal(t, "tr_k1", ref)

	require.Len(t, stub.forms, 1)
	form := stub.forms[0]
	assert.Equal(t, "50025", form["amount"])
	assert.Equal(t, "usd", form["currency"])
	assert.Equal(t, "acct_seller", form["destination"])
	assert.Equal(t, "ord_1", form["transfer_group"])
	assert.Equal(t, "k1", stub.keys[0], "escrow key must be the Stripe idempotency key")

	got, found, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, ref, got)

	_, found, err = c.Lookup(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = c.Release(ctx, stripeReq("k2", "100"))
	require.NoError(t, err)
	total, err := c.ReleasedFor(ctx, "ord_1")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("600.25")), "released %s", total)
}

func TestStripeClient_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("4xx is rejected", func(t *testing.T) {
		c := newTestStripeClient(t, &stripeStub{status: http.StatusBadRequest})
		_, err := c.Release(ctx, stripeReq("k1", "10"))
		require.Error(t, err)
		assert.True(t, IsRejected(err))
	})

	t.Run("5xx is unknown", func(t *testing.T) {
		c := newTestStripeClient(t, &stripeStub{status: http.StatusInternalServerError})
		_, err := c.Release(ctx, stripeReq("k1", "10"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOutcomeUnknown))
	})

	t.Run("unknown recipient is rejected", func(t *testing.T) {
		c := newTestStripeClient(t, &stripeStub{})
		req := stripeReq("k1", "10")
		req.RecipientID = "seller-1"
		_, err := c.Release(ctx, req)
		assert.True(t, IsRejected(err))
	})

	t.Run("sub-cent amount is rejected", func(t *testing.T) {
		c := newTestStripeClient(t, &stripeStub{})
		_, err := c.Release(ctx, stripeReq("k1", "10.001"))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestNewStripeClient_RequiresKey(t *testing.T) {
	_, err := NewStripeClient(StripeConfig{})
	assert.Error(t, err)
}
