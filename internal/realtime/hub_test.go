package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mwale/fraudlens/internal/anomaly"
	"github.com/mwale/fraudlens/internal/logging"
	"github.com/mwale/fraudlens/internal/transaction"
)

func testHub() *Hub {
	return NewHub(nil, 100, logging.NewNop())
}

func testClient(userID string, privileged bool) *Client {
	return &Client{
		send:       make(chan []byte, 256),
		userID:     userID,
		privileged: privileged,
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_GeneralEventsReachEveryone(t *testing.T) {
	h := testHub()
	viewer := testClient("usr_viewer", false)
	analyst := testClient("usr_analyst", true)

	for _, typ := range []EventType{EventTransactionUpdated, EventTransactionProcessed} {
		event := &Event{Type: typ, Timestamp: time.Now()}
		if !h.shouldSend(viewer, event) {
			t.Errorf("viewer should receive %s", typ)
		}
		if !h.shouldSend(analyst, event) {
			t.Errorf("analyst should receive %s", typ)
		}
	}
}

func TestShouldSend_AnomalyStreamIsPrivileged(t *testing.T) {
	h := testHub()
	viewer := testClient("usr_viewer", false)
	analyst := testClient("usr_analyst", true)

	for _, typ := range []EventType{EventNewAnomaly, EventAnomalyUpdated, EventAnomalyDeleted} {
		event := &Event{Type: typ, Timestamp: time.Now()}
		if h.shouldSend(viewer, event) {
			t.Errorf("viewer should NOT receive %s", typ)
		}
		if !h.shouldSend(analyst, event) {
			t.Errorf("analyst should receive %s", typ)
		}
	}
}

func TestShouldSend_ResolverGetsOwnCaseUpdates(t *testing.T) {
	h := testHub()
	resolver := testClient("usr_resolver", false)
	bystander := testClient("usr_other", false)

	event := &Event{Type: EventAnomalyUpdated, resolver: "usr_resolver"}

	if !h.shouldSend(resolver, event) {
		t.Error("resolver should receive updates for cases they resolved")
	}
	if h.shouldSend(bystander, event) {
		t.Error("unrelated viewer should not receive anomaly updates")
	}
}

func TestShouldSend_PrivilegedResolverNotDuplicated(t *testing.T) {
	// A privileged resolver matches on both paths; shouldSend is a single
	// gate so the event still goes out once.
	h := testHub()
	analyst := testClient("usr_resolver", true)

	event := &Event{Type: EventAnomalyUpdated, resolver: "usr_resolver"}
	if !h.shouldSend(analyst, event) {
		t.Error("privileged resolver should receive the update")
	}
}

func TestShouldSend_EmptyResolverNoPrivateChannel(t *testing.T) {
	h := testHub()
	anon := testClient("", false)

	event := &Event{Type: EventAnomalyUpdated, resolver: ""}
	if h.shouldSend(anon, event) {
		t.Error("anonymous viewer should not match an empty resolver")
	}
}

// ---------------------------------------------------------------------------
// Publisher adapters
// ---------------------------------------------------------------------------

func TestHub_AnomalyUpdatedCarriesResolver(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := testClient("usr_resolver", false)
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.AnomalyUpdated(&anomaly.Anomaly{ID: "anm_1", ResolvedBy: "usr_resolver"})

	select {
	case msg := <-client.send:
		var event struct {
			Type EventType `json:"type"`
		}
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.Type != EventAnomalyUpdated {
			t.Errorf("Expected anomalyUpdated, got %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Error("resolver did not receive anomalyUpdated")
	}
}

func TestHub_TransactionProcessedReachesViewer(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := testClient("usr_viewer", false)
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.TransactionProcessed(&transaction.Transaction{ID: "txn_1", Amount: 50})

	select {
	case msg := <-client.send:
		var event struct {
			Type EventType               `json:"type"`
			Data transaction.Transaction `json:"data"`
		}
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event.Type != EventTransactionProcessed {
			t.Errorf("Expected transactionProcessed, got %s", event.Type)
		}
		if event.Data.ID != "txn_1" {
			t.Errorf("Expected txn_1 payload, got %s", event.Data.ID)
		}
	case <-time.After(time.Second):
		t.Error("viewer did not receive transactionProcessed")
	}
}

func TestHub_NewAnomalySkipsViewer(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	viewer := testClient("usr_viewer", false)
	h.register <- viewer
	time.Sleep(50 * time.Millisecond)

	h.AnomalyCreated(&anomaly.Anomaly{ID: "anm_1"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-viewer.send:
		t.Error("viewer should NOT receive newAnomaly")
	default:
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

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventTransactionProcessed, Timestamp: time.Now()})
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

	client := testClient("usr_1", true)
	client.hub = h

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := testClient("usr_1", true)
	client.hub = h

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventNewAnomaly,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"id": "anm_1"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
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
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
