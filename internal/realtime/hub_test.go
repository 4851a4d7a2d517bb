package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tradeescrow/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	if !shouldSend(client, &escrow.Event{Type: escrow.EventOrderPlaced}) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{escrow.EventReleaseRecorded, escrow.EventOrderFlagged},
	}}

	if !shouldSend(client, &escrow.Event{Type: escrow.EventReleaseRecorded}) {
		t.Error("Should receive release events")
	}
	if !shouldSend(client, &escrow.Event{Type: escrow.EventOrderFlagged}) {
		t.Error("Should receive flagged events")
	}
	if shouldSend(client, &escrow.Event{Type: escrow.EventDisputeOpened}) {
		t.Error("Should NOT receive dispute events")
	}
}

func TestShouldSend_OrderAndStatusFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		OrderIDs: []string{"ord_1"},
		Statuses: []escrow.Status{escrow.StatusInTransit},
	}}

	if !shouldSend(client, &escrow.Event{OrderID: "ord_1", Status: escrow.StatusInTransit}) {
		t.Error("Should match order and status")
	}
	if shouldSend(client, &escrow.Event{OrderID: "ord_2", Status: escrow.StatusInTransit}) {
		t.Error("Should NOT match other orders")
	}
	if shouldSend(client, &escrow.Event{OrderID: "ord_1", Status: escrow.StatusDelivered}) {
		t.Error("Filters combine: status must match too")
	}
}

func TestShouldSend_DisputeFilter(t *testing.T) {
	client := &Client{sub: Subscription{DisputeIDs: []string{"dsp_1"}}}

	if !shouldSend(client, &escrow.Event{Type: escrow.EventDisputeResolved, DisputeID: "dsp_1"}) {
		t.Error("Should match dispute id")
	}
	if shouldSend(client, &escrow.Event{Type: escrow.EventOrderPlaced}) {
		t.Error("Order events carry no dispute id")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{sub: Subscription{}}
	if !shouldSend(client, &escrow.Event{Type: escrow.EventOrderPlaced}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?orderId=ord_1&orderId=ord_2&type=release.recorded", nil)
	sub := subscriptionFromQuery(r)
	if sub.AllEvents {
		t.Error("query filters should disable AllEvents")
	}
	if len(sub.OrderIDs) != 2 || sub.EventTypes[0] != escrow.EventReleaseRecorded {
		t.Errorf("unexpected subscription %+v", sub)
	}

	if !subscriptionFromQuery(httptest.NewRequest(http.MethodGet, "/ws", nil)).AllEvents {
		t.Error("no filters should subscribe to everything")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := h.Publish(ctx, escrow.Event{Type: escrow.EventOrderPlaced, OrderID: "ord_1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{OrderIDs: []string{"ord_watch"}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	_ = h.Publish(ctx, escrow.Event{Type: escrow.EventOrderPlaced, OrderID: "ord_other"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive other orders' events")
	default:
	}

	_ = h.Publish(ctx, escrow.Event{Type: escrow.EventReleaseRecorded, OrderID: "ord_watch", Status: escrow.StatusInTransit})

	select {
	case msg := <-client.send:
		var ev escrow.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != escrow.EventReleaseRecorded || ev.Status != escrow.StatusInTransit {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive watched order event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}

	// upgrades after shutdown are refused
	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", rec.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?orderId=ord_1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// wait for registration
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_ = h.Publish(ctx, escrow.Event{Type: escrow.EventOrderDelivered, OrderID: "ord_1", Status: escrow.StatusDelivered})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"order.delivered"`) {
		t.Errorf("unexpected message %s", msg)
	}
}
