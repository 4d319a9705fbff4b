package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/abuseguard/internal/events"
	"github.com/mbd888/abuseguard/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func bot(score int) events.Assessment {
	return events.Assessment{
		ID:             "a1",
		Identifier:     "203.0.113.5",
		IsBot:          true,
		Confidence:     95,
		SuspicionScore: score,
		ReasonCode:     "HIGH_SUSPICION",
	}
}

func human() events.Assessment {
	return events.Assessment{ID: "a2", Identifier: "198.51.100.7", ReasonCode: "CHALLENGE_PASSED"}
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		a    events.Assessment
		want bool
	}{
		{"zero value gets everything", Subscription{}, human(), true},
		{"bots only drops humans", Subscription{BotsOnly: true}, human(), false},
		{"bots only keeps bots", Subscription{BotsOnly: true}, bot(120), true},
		{"min score inclusive", Subscription{MinScore: 120}, bot(120), true},
		{"min score drops lower", Subscription{MinScore: 121}, bot(120), false},
		{"reason filter", Subscription{ReasonCodes: []string{"RATE_LIMIT_EXCEEDED"}}, bot(120), false},
		{"reason filter hit", Subscription{ReasonCodes: []string{"RATE_LIMIT_EXCEEDED", "HIGH_SUSPICION"}}, bot(120), true},
		{"identifier filter", Subscription{Identifiers: []string{"198.51.100.7"}}, bot(120), false},
		{"identifier filter hit", Subscription{Identifiers: []string{"198.51.100.7"}}, human(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Matches(tt.a); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/feed?botsOnly=true&minScore=50&reason=A,B&reason=C&identifier=x", nil)
	sub, err := subscriptionFromQuery(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sub.BotsOnly || sub.MinScore != 50 {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if strings.Join(sub.ReasonCodes, ",") != "A,B,C" {
		t.Errorf("ReasonCodes = %v", sub.ReasonCodes)
	}
	if len(sub.Identifiers) != 1 || sub.Identifiers[0] != "x" {
		t.Errorf("Identifiers = %v", sub.Identifiers)
	}

	for _, bad := range []string{"/feed?botsOnly=maybe", "/feed?minScore=-1", "/feed?minScore=lots"} {
		if _, err := subscriptionFromQuery(httptest.NewRequest("GET", bad, nil)); err == nil {
			t.Errorf("%s: expected error", bad)
		}
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

	if err := h.Publish(ctx, bot(120)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for h.Stats()["totalEvents"].(int64) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 total event, got %v", h.Stats()["totalEvents"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	h := testHub() // not running, so nothing drains the buffer
	ctx := context.Background()

	for i := 0; i < cap(h.broadcast); i++ {
		if err := h.Publish(ctx, bot(100)); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	if err := h.Publish(ctx, bot(100)); !errors.Is(err, ErrBroadcastFull) {
		t.Fatalf("expected ErrBroadcastFull, got %v", err)
	}
	if h.Stats()["droppedEvents"].(int64) != 1 {
		t.Errorf("Expected 1 dropped event, got %v", h.Stats()["droppedEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
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

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{BotsOnly: true},
	}
	h.register <- client

	_ = h.Publish(ctx, human())
	_ = h.Publish(ctx, bot(120))

	select {
	case msg := <-client.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event: %v", err)
		}
		if ev.Type != EventAssessment || !ev.Data.IsBot || ev.Data.SuspicionScore != 120 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for bot event")
	}

	select {
	case <-client.send:
		t.Error("human assessment should have been filtered")
	case <-time.After(50 * time.Millisecond):
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

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/feed", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("upgrade after stop: status %d, want 503", w.Code)
	}
}

// ---------------------------------------------------------------------------
// WebSocket end to end
// ---------------------------------------------------------------------------

func TestHub_WebSocketFeed(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?minScore=100"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = h.Publish(ctx, bot(40))
	_ = h.Publish(ctx, bot(150))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Data.SuspicionScore != 150 {
		t.Errorf("expected the score-150 event first, got %d", ev.Data.SuspicionScore)
	}
}

func TestHub_RejectsBadQuery(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/feed?minScore=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}
