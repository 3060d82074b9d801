package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.ServeWS)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHub_SubscribeBroadcastUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := NewClient(nil)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"a", "b", "a"}})
	if hub.TopicCount("a") != 1 || len(c.Topics) != 2 {
		t.Fatalf("duplicate subscribe should be ignored, topics=%v", c.Topics)
	}

	hub.Broadcast("a", Event{Type: OpInsert, Topic: "a"})
	hub.Broadcast("zzz", Event{Type: OpInsert, Topic: "zzz"})
	if len(c.Send) != 1 {
		t.Fatalf("queued = %d, want 1", len(c.Send))
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"a"}})
	if hub.TopicCount("a") != 0 || len(c.Topics) != 1 || c.Topics[0] != "b" {
		t.Fatalf("after unsubscribe topics=%v", c.Topics)
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 {
		t.Fatal("client still registered")
	}
	if _, ok := <-drain(c.Send); ok {
		t.Fatal("send channel should be closed")
	}
}

// drain empties ch and returns it so the caller can observe closure.
func drain(ch chan []byte) chan []byte {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return ch
			}
		default:
			return ch
		}
	}
}

func TestHub_DropsWhenClientBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast("t", Event{Topic: "t"})
	hub.Broadcast("t", Event{Topic: "t"})
	if len(c.Send) != 1 {
		t.Fatalf("queued = %d, want 1", len(c.Send))
	}
}

func TestDecodeNotification(t *testing.T) {
	inst := uuid.New()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	payload := `{"op":"update","table":"daily_queue","id":"abc",
		"record":{"id":"abc","institution_id":"` + inst.String() + `","queue_date":"2026-03-02","status":"llamado"}}`

	ev, err := decodeNotification([]byte(payload), at)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != OpUpdate || ev.RecordID != "abc" || ev.Table != "daily_queue" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Topic != QueueTopic(inst, "2026-03-02") {
		t.Fatalf("topic = %s", ev.Topic)
	}
	if !strings.Contains(string(ev.Payload), `"llamado"`) {
		t.Fatalf("payload should carry the record: %s", ev.Payload)
	}
}

func TestDecodeNotification_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad json":   `{`,
		"unknown op": `{"op":"truncate","id":"x","record":{}}`,
		"missing id": `{"op":"insert","record":{}}`,
		"no scope":   `{"op":"insert","id":"x","record":{"id":"x"}}`,
	}
	for name, payload := range cases {
		if _, err := decodeNotification([]byte(payload), time.Now()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestServeWS_EndToEnd(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"queue:x:2026-03-02"}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return hub.TopicCount("queue:x:2026-03-02") == 1 })

	hub.Broadcast("queue:x:2026-03-02", Event{Type: OpDelete, RecordID: "r1", Topic: "queue:x:2026-03-02"})

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != OpDelete || got.RecordID != "r1" {
		t.Fatalf("got %+v", got)
	}

	ws.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestSubscriber_ReceivesEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	topic := QueueTopic(uuid.New(), "2026-03-02")
	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), []string{topic}, zerolog.Nop())

	connected := make(chan struct{}, 1)
	sub.OnConnect = func(context.Context) {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, out) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never connected")
	}
	waitFor(t, func() bool { return hub.TopicCount(topic) == 1 })

	hub.Broadcast(topic, Event{Type: OpInsert, RecordID: "r9", Topic: topic})

	select {
	case ev := <-out:
		if ev.RecordID != "r9" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
