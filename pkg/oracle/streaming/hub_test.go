package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *fakeSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

// startHub runs h and serves it; the returned stop func shuts both down.
func startHub(t *testing.T, h *Hub) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	server := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	return url, func() {
		cancel()
		<-done
		server.Close()
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return e
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(zerolog.Nop(), WithHeartbeat(0))
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return h.ClientCount() == 1 })

	h.Broadcast(Event{Type: EventTypePrediction, Data: map[string]string{"id": "p1"}})

	e := readEvent(t, conn)
	if e.Type != EventTypePrediction {
		t.Errorf("Expected prediction event, got %s", e.Type)
	}
	if e.Timestamp.IsZero() {
		t.Error("Broadcast should set the timestamp")
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(zerolog.Nop(), WithHeartbeat(0))
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return h.ClientCount() == 1 })

	msg := `{"type":"unsubscribe","events":["prediction"]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	waitFor(t, "unsubscribe", func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for s := range h.subs {
			if s.wants(EventTypePrediction) {
				return false
			}
		}
		return true
	})

	h.Broadcast(Event{Type: EventTypePrediction, Data: "skipped"})
	h.Broadcast(Event{Type: EventTypeResolution, Data: "delivered"})

	e := readEvent(t, conn)
	if e.Type != EventTypeResolution {
		t.Errorf("Expected resolution event, got %s", e.Type)
	}
}

func TestHubEventsQuery(t *testing.T) {
	h := NewHub(zerolog.Nop(), WithHeartbeat(0))
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url+"?events=resolution,distribution")
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return h.ClientCount() == 1 })

	h.Broadcast(Event{Type: EventTypePrediction, Data: "skipped"})
	h.Broadcast(Event{Type: EventTypeDistribution, Data: "delivered"})

	e := readEvent(t, conn)
	if e.Type != EventTypeDistribution {
		t.Errorf("Expected distribution event, got %s", e.Type)
	}
}

func TestHubBacklog(t *testing.T) {
	sink := &fakeSink{}
	h := NewHub(zerolog.Nop(), WithHeartbeat(0), WithBacklog(2), WithSinks(sink))
	url, stop := startHub(t, h)
	defer stop()

	h.Broadcast(Event{Type: EventTypeStake, Data: "first"})
	h.Broadcast(Event{Type: EventTypePool, Data: "second"})
	h.Broadcast(Event{Type: EventTypeResolution, Data: "third"})
	waitFor(t, "events processed", func() bool { return len(sink.snapshot()) == 3 })

	conn := dial(t, url)
	defer conn.Close()

	for _, want := range []EventType{EventTypePool, EventTypeResolution} {
		if e := readEvent(t, conn); e.Type != want {
			t.Errorf("Expected %s replayed, got %s", want, e.Type)
		}
	}
}

func TestParseTopics(t *testing.T) {
	all := parseTopics("")
	if len(all) != len(AllEventTypes) {
		t.Errorf("Expected %d topics, got %d", len(AllEventTypes), len(all))
	}

	some := parseTopics(" pool , stake,")
	if len(some) != 2 || !some[EventTypePool] || !some[EventTypeStake] {
		t.Errorf("Unexpected topics %v", some)
	}
}

func TestHubSinksAndHeartbeat(t *testing.T) {
	sink := &fakeSink{}
	h := NewHub(zerolog.Nop(), WithSinks(sink), WithHeartbeat(20*time.Millisecond))
	url, stop := startHub(t, h)
	defer stop()

	conn := dial(t, url)
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return h.ClientCount() == 1 })

	e := readEvent(t, conn)
	if e.Type != EventTypeHeartbeat {
		t.Errorf("Expected heartbeat, got %s", e.Type)
	}

	h.Broadcast(Event{Type: EventTypePool, Data: "liquidity"})
	waitFor(t, "sink publish", func() bool { return len(sink.snapshot()) == 1 })

	for _, got := range sink.snapshot() {
		if got.Type == EventTypeHeartbeat {
			t.Error("Heartbeats must not reach sinks")
		}
	}
}

func TestHubRunClosesClients(t *testing.T) {
	h := NewHub(zerolog.Nop(), WithHeartbeat(0))
	url, stop := startHub(t, h)

	conn := dial(t, url)
	defer conn.Close()
	waitFor(t, "client registration", func() bool { return h.ClientCount() == 1 })

	stop()

	if h.ClientCount() != 0 {
		t.Errorf("Expected 0 clients after shutdown, got %d", h.ClientCount())
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected connection to be closed")
	}
}

func TestBroadcastError(t *testing.T) {
	sink := &fakeSink{}
	h := NewHub(zerolog.Nop(), WithSinks(sink), WithHeartbeat(0))
	_, stop := startHub(t, h)
	defer stop()

	h.BroadcastError(context.DeadlineExceeded, "settlement")
	waitFor(t, "error event", func() bool { return len(sink.snapshot()) == 1 })

	e := sink.snapshot()[0]
	if e.Type != EventTypeError {
		t.Errorf("Expected error event, got %s", e.Type)
	}
}

func TestRedisSink(t *testing.T) {
	url := os.Getenv("PROPHETIA_TEST_REDIS_URL")
	if url == "" || testing.Short() {
		t.Skip("PROPHETIA_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := DialRedisSink(ctx, url, "prophetia:test")
	if err != nil {
		t.Fatalf("DialRedisSink failed: %v", err)
	}
	defer sink.Close()

	sub := sink.Subscribe(ctx)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sink.Publish(ctx, Event{Type: EventTypeStake, Timestamp: time.Now(), Data: "s"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	var e Event
	if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if e.Type != EventTypeStake {
		t.Errorf("Expected stake event, got %s", e.Type)
	}
}
