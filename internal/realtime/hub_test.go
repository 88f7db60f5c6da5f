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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fiatescrow/internal/escrow"
	"github.com/mbd888/fiatescrow/internal/identity"
)

var (
	seller = identity.ID{1}
	buyer  = identity.ID{2}
	other  = identity.ID{9}
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func event(op string, escrowID uint64) escrow.Event {
	return escrow.Event{
		Type:      op,
		Key:       escrow.DeriveKey(escrowID, 1),
		State:     escrow.StateFunded,
		Counter:   1,
		Seller:    seller,
		Buyer:     buyer,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestSubscription_Matches(t *testing.T) {
	ev := event("fund", 1)
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true, Types: []string{"release"}}, true},
		{"empty subscription", Subscription{}, true},
		{"type match", Subscription{Types: []string{"fund", "release"}}, true},
		{"type miss", Subscription{Types: []string{"release"}}, false},
		{"seller match", Subscription{Parties: []identity.ID{seller}}, true},
		{"buyer match", Subscription{Parties: []identity.ID{other, buyer}}, true},
		{"party miss", Subscription{Parties: []identity.ID{other}}, false},
		{"key match", Subscription{Keys: []escrow.Key{escrow.DeriveKey(1, 1)}}, true},
		{"key miss", Subscription{Keys: []escrow.Key{escrow.DeriveKey(2, 1)}}, false},
		{"all filters must match", Subscription{Types: []string{"fund"}, Parties: []identity.ID{other}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(ev))
		})
	}
}

func TestSubscription_DecodesFromJSON(t *testing.T) {
	raw := `{"types":["dispute"],"parties":["` + buyer.String() + `"],"keys":["` + escrow.DeriveKey(3, 1).String() + `"]}`
	var sub Subscription
	require.NoError(t, json.Unmarshal([]byte(raw), &sub))
	assert.Equal(t, []identity.ID{buyer}, sub.Parties)
	assert.Equal(t, []escrow.Key{escrow.DeriveKey(3, 1)}, sub.Keys)
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}

	h.register <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_FilteredDelivery(t *testing.T) {
	h := runHub(t)
	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{Types: []string{"release"}}}
	h.register <- client

	h.EmitEscrowEvent(context.Background(), event("fund", 1))
	h.EmitEscrowEvent(context.Background(), event("release", 1))

	select {
	case msg := <-client.send:
		var got escrow.Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "release", got.Type)
		assert.Equal(t, escrow.DeriveKey(1, 1), got.Key)
		assert.Equal(t, buyer, got.Buyer)
	case <-time.After(time.Second):
		t.Fatal("client should receive the release event")
	}
	assert.Eventually(t, func() bool { return h.Stats()["totalEvents"] == int64(2) }, time.Second, 5*time.Millisecond)
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	h := testHub() // not running, nothing drains the queue
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.EmitEscrowEvent(context.Background(), event("fund", uint64(i)))
	}
	assert.Equal(t, int64(3), h.Stats()["droppedEvents"])
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(Subscription{Parties: []identity.ID{seller}}))
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)
	// let the subscription land before emitting
	time.Sleep(50 * time.Millisecond)

	h.EmitEscrowEvent(context.Background(), escrow.Event{Type: "fund", Seller: other, Buyer: other})
	h.EmitEscrowEvent(context.Background(), event("confirm_fiat", 4))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got escrow.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "confirm_fiat", got.Type)
	assert.Equal(t, escrow.DeriveKey(4, 1), got.Key)
}
