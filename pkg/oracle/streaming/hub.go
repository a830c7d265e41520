// Package streaming fans oracle events out to WebSocket subscribers and to
// external sinks such as Redis.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventType names the kind of event on the stream.
type EventType string

const (
	EventTypePrediction   EventType = "prediction"
	EventTypeResolution   EventType = "resolution"
	EventTypeDistribution EventType = "distribution"
	EventTypeStake        EventType = "stake"
	EventTypePool         EventType = "pool"
	EventTypeDataset      EventType = "dataset"
	EventTypeError        EventType = "error"
	EventTypeHeartbeat    EventType = "heartbeat"
)

// AllEventTypes lists every event type; subscribers get all of them unless
// they ask for fewer.
var AllEventTypes = []EventType{
	EventTypePrediction,
	EventTypeResolution,
	EventTypeDistribution,
	EventTypeStake,
	EventTypePool,
	EventTypeDataset,
	EventTypeError,
	EventTypeHeartbeat,
}

// Event is the unit sent to subscribers and sinks.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Sink receives every non-heartbeat event.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Publisher is what producers of events depend on.
type Publisher interface {
	Broadcast(e Event)
}

const (
	sendBuffer  = 256
	readLimit   = 512
	pongWait    = 60 * time.Second
	pingEvery   = 54 * time.Second
	writeWait   = 10 * time.Second
	sinkTimeout = 2 * time.Second
)

// frame is an encoded event kept for replay.
type frame struct {
	typ  EventType
	data []byte
}

// Hub is safe for concurrent use. Events are fanned out by Run; nothing is
// delivered before Run starts.
type Hub struct {
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	sinks     []Sink

	events chan Event
	sinkQ  chan Event

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	backlog []frame
	keep    int
	stopped bool
}

// subscriber is one WebSocket connection.
type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
	once sync.Once

	topicsMu sync.RWMutex
	topics   map[EventType]bool
}

// HubOption configures a hub.
type HubOption func(*Hub)

// WithSinks adds sinks that receive every event.
func WithSinks(sinks ...Sink) HubOption {
	return func(h *Hub) {
		h.sinks = append(h.sinks, sinks...)
	}
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) HubOption {
	return func(h *Hub) {
		h.heartbeat = d
	}
}

// WithCheckOrigin sets the origin check used on upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithBacklog replays the last n events to every new subscriber.
func WithBacklog(n int) HubOption {
	return func(h *Hub) {
		if n > sendBuffer {
			n = sendBuffer
		}
		h.keep = n
	}
}

// NewHub creates a hub with a 30s heartbeat and no backlog.
func NewHub(log zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		log:       log.With().Str("component", "hub").Logger(),
		heartbeat: 30 * time.Second,
		events:    make(chan Event, sendBuffer),
		sinkQ:     make(chan Event, sendBuffer),
		subs:      make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run fans out events until ctx is cancelled, then disconnects every
// subscriber. A hub cannot be restarted.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if len(h.sinks) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runSinks(ctx)
		}()
	}
	defer wg.Wait()
	defer h.stop()

	var tick <-chan time.Time
	if h.heartbeat > 0 {
		t := time.NewTicker(h.heartbeat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.events:
			h.fanout(e)
		case now := <-tick:
			h.fanout(Event{
				Type:      EventTypeHeartbeat,
				Timestamp: now,
				Data:      map[string]any{"clients": h.ClientCount()},
			})
		}
	}
}

// Broadcast queues e for delivery. It never blocks; events are dropped
// when the queue is full.
func (h *Hub) Broadcast(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case h.events <- e:
	default:
		h.log.Warn().Str("type", string(e.Type)).Msg("[WS] event queue full, dropping event")
	}
}

// BroadcastError broadcasts an error event.
func (h *Hub) BroadcastError(err error, source string) {
	h.Broadcast(Event{
		Type: EventTypeError,
		Data: map[string]any{
			"error":   err.Error(),
			"context": source,
		},
	})
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS upgrades the request and subscribes the connection. The optional
// events query parameter (comma separated) narrows the initial topics.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("[WS] upgrade failed")
		return
	}

	s := &subscriber{
		conn:   conn,
		out:    make(chan []byte, sendBuffer),
		topics: parseTopics(r.URL.Query().Get("events")),
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[s] = struct{}{}
	for _, f := range h.backlog {
		if s.wants(f.typ) {
			s.out <- f.data
		}
	}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug().Int("clients", n).Msg("[WS] client connected")

	go h.write(s)
	go h.read(s)
}

func parseTopics(raw string) map[EventType]bool {
	topics := make(map[EventType]bool, len(AllEventTypes))
	for _, part := range strings.Split(raw, ",") {
		if t := EventType(strings.TrimSpace(part)); t != "" {
			topics[t] = true
		}
	}
	if len(topics) == 0 {
		for _, t := range AllEventTypes {
			topics[t] = true
		}
	}
	return topics
}

func (h *Hub) fanout(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(e.Type)).Msg("[WS] failed to marshal event")
		return
	}

	h.mu.Lock()
	if h.keep > 0 && e.Type != EventTypeHeartbeat {
		h.backlog = append(h.backlog, frame{typ: e.Type, data: data})
		if over := len(h.backlog) - h.keep; over > 0 {
			h.backlog = h.backlog[over:]
		}
	}

	for s := range h.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.out <- data:
		default:
			// Slow subscriber.
			h.removeLocked(s)
		}
	}
	h.mu.Unlock()

	if e.Type != EventTypeHeartbeat && len(h.sinks) > 0 {
		select {
		case h.sinkQ <- e:
		default:
			h.log.Warn().Str("type", string(e.Type)).Msg("[WS] sink queue full, dropping event")
		}
	}
}

func (h *Hub) runSinks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.sinkQ:
			for _, sink := range h.sinks {
				sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
				err := sink.Publish(sctx, e)
				cancel()
				if err != nil {
					h.log.Warn().Err(err).Str("type", string(e.Type)).Msg("[WS] sink publish failed")
				}
			}
		}
	}
}

func (h *Hub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for s := range h.subs {
		h.removeLocked(s)
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	h.removeLocked(s)
	n := len(h.subs)
	h.mu.Unlock()
	if ok {
		h.log.Debug().Int("clients", n).Msg("[WS] client disconnected")
	}
}

// removeLocked closes s's queue; the writer then closes the connection.
func (h *Hub) removeLocked(s *subscriber) {
	delete(h.subs, s)
	s.once.Do(func() { close(s.out) })
}

func (s *subscriber) wants(t EventType) bool {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	return s.topics[t]
}

// read applies {"type":"subscribe"|"unsubscribe","events":[...]} requests
// until the connection fails.
func (h *Hub) read(s *subscriber) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("[WS] read error")
			}
			return
		}

		var req struct {
			Type   string   `json:"type"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		on := req.Type == "subscribe"
		if !on && req.Type != "unsubscribe" {
			continue
		}
		s.topicsMu.Lock()
		for _, t := range req.Events {
			if on {
				s.topics[EventType(t)] = true
			} else {
				delete(s.topics, EventType(t))
			}
		}
		s.topicsMu.Unlock()
	}
}

func (h *Hub) write(s *subscriber) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
