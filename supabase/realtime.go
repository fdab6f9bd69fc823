package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultEventsPerSecond bounds how many change notifications per second
// are dispatched to handlers. Notifications only trigger reloads, so a
// dropped one is healed by the next poll tick.
const DefaultEventsPerSecond = 10

const heartbeatInterval = 30 * time.Second

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// EventHandler receives realtime change events.
type EventHandler func(event *ChangeEvent)

// ChangeEvent is a row-level change notification.
type ChangeEvent struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// phxMessage is the Phoenix channel protocol frame.
type phxMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

// RealtimeClient maintains the websocket connection to the platform's
// change-notification channel and fans events out to per-topic handlers.
type RealtimeClient struct {
	mu             sync.RWMutex
	url            string
	conn           *websocket.Conn
	channels       map[string]*RealtimeChannel
	done           chan struct{}
	ref            int
	limiter        *rate.Limiter
	log            *zap.Logger
	reconnectDelay time.Duration
}

// RealtimeChannel is one subscribed topic.
type RealtimeChannel struct {
	client   *RealtimeClient
	topic    string
	joined   bool
	joinRef  string
	handlers []EventHandler
}

// RealtimeOption configures a RealtimeClient.
type RealtimeOption func(*RealtimeClient)

// WithEventsPerSecond overrides the dispatch budget.
func WithEventsPerSecond(n int) RealtimeOption {
	return func(r *RealtimeClient) {
		r.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
}

// WithRealtimeLogger attaches a logger.
func WithRealtimeLogger(log *zap.Logger) RealtimeOption {
	return func(r *RealtimeClient) { r.log = log }
}

// Realtime creates a realtime client bound to this REST client's platform.
func (c *Client) Realtime(opts ...RealtimeOption) *RealtimeClient {
	apiKey := c.serviceKey
	if apiKey == "" {
		apiKey = c.anonKey
	}

	wsURL := c.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + wsURL[len("https"):]
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + wsURL[len("http"):]
	}
	wsURL += "/realtime/v1/websocket?apikey=" + apiKey + "&vsn=1.0.0"

	r := &RealtimeClient{
		url:            wsURL,
		channels:       make(map[string]*RealtimeChannel),
		done:           make(chan struct{}),
		limiter:        rate.NewLimiter(DefaultEventsPerSecond, DefaultEventsPerSecond),
		log:            zap.NewNop(),
		reconnectDelay: reconnectBaseDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops. Connecting twice is a no-op.
func (r *RealtimeClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	r.conn = conn
	r.done = make(chan struct{})
	r.rejoinLocked()

	go r.readLoop(conn)
	go r.heartbeat()
	return nil
}

// Disconnect closes the connection. Joined channels keep their handlers and
// are rejoined on the next Connect.
func (r *RealtimeClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}

	close(r.done)
	err := r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.conn.Close()
	r.conn = nil
	for _, ch := range r.channels {
		ch.joined = false
	}
	if err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// ChangesConfig scopes a postgres_changes subscription.
type ChangesConfig struct {
	// Event is INSERT, UPDATE, DELETE, or "*" (default).
	Event  string
	Schema string // default "public"
	Table  string
	// Filter is a row filter such as "contratacion_id=eq.<id>".
	Filter string
}

// Topic returns the channel topic for this configuration.
func (cfg ChangesConfig) Topic() string {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	topic := fmt.Sprintf("realtime:%s:%s", schema, cfg.Table)
	if cfg.Filter != "" {
		topic += ":" + cfg.Filter
	}
	return topic
}

// SubscribeToChanges subscribes to row-level changes on a table. A second
// subscription with the same configuration is a no-op returning the
// existing channel; the handler of the first registration stays in place.
func (r *RealtimeClient) SubscribeToChanges(ctx context.Context, cfg ChangesConfig, handler EventHandler) (*RealtimeChannel, error) {
	topic := cfg.Topic()

	r.mu.Lock()
	if ch, ok := r.channels[topic]; ok {
		r.mu.Unlock()
		return ch, nil
	}
	ch := &RealtimeChannel{client: r, topic: topic}
	ch.handlers = append(ch.handlers, handler)
	r.channels[topic] = ch
	r.mu.Unlock()

	if err := ch.join(ctx); err != nil {
		r.mu.Lock()
		delete(r.channels, topic)
		r.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// Unsubscribe leaves the channel and removes its registration. Calling it
// on an already-removed channel is a no-op.
func (ch *RealtimeChannel) Unsubscribe(ctx context.Context) error {
	r := ch.client
	r.mu.Lock()
	defer r.mu.Unlock()

	if !ch.joined {
		delete(r.channels, ch.topic)
		return nil
	}

	r.ref++
	msg := phxMessage{
		Topic:   ch.topic,
		Event:   "phx_leave",
		Payload: map[string]any{},
		Ref:     strconv.Itoa(r.ref),
		JoinRef: ch.joinRef,
	}
	ch.joined = false
	delete(r.channels, ch.topic)

	if r.conn != nil {
		if err := r.conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("send leave: %w", err)
		}
	}
	return nil
}

// Topic returns the channel topic.
func (ch *RealtimeChannel) Topic() string { return ch.topic }

func (ch *RealtimeChannel) join(ctx context.Context) error {
	r := ch.client
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch.joined {
		return nil
	}
	if r.conn == nil {
		return fmt.Errorf("realtime not connected")
	}

	r.ref++
	ref := strconv.Itoa(r.ref)
	ch.joinRef = ref

	msg := phxMessage{
		Topic:   ch.topic,
		Event:   "phx_join",
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: ref,
	}
	if err := r.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	ch.joined = true
	return nil
}

func (r *RealtimeClient) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			r.handleReadError(conn, err)
			return
		}

		var event ChangeEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		r.dispatch(&event)
	}
}

// handleReadError tears down a failed connection and starts the
// reconnect loop, unless Disconnect already removed the connection.
func (r *RealtimeClient) handleReadError(conn *websocket.Conn, err error) {
	r.mu.Lock()
	if r.conn != conn {
		// Disconnect, or a newer connection, already replaced it.
		r.mu.Unlock()
		return
	}
	r.log.Warn("realtime read failed", zap.Error(err))
	conn.Close()
	r.conn = nil
	for _, ch := range r.channels {
		ch.joined = false
	}
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return
	default:
	}
	go r.reconnect(done)
}

// reconnect redials with doubling backoff until it succeeds or the
// client is disconnected, then rejoins every registered channel.
func (r *RealtimeClient) reconnect(done chan struct{}) {
	delay := r.reconnectDelay
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	for {
		select {
		case <-done:
			return
		case <-time.After(delay):
		}

		conn, _, err := dialer.Dial(r.url, nil)
		if err != nil {
			r.log.Warn("realtime reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
			if delay *= 2; delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		r.mu.Lock()
		select {
		case <-done:
			r.mu.Unlock()
			conn.Close()
			return
		default:
		}
		if r.conn != nil {
			// A concurrent Connect won; this dial is surplus.
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conn = conn
		r.rejoinLocked()
		r.mu.Unlock()

		r.log.Info("realtime reconnected")
		go r.readLoop(conn)
		return
	}
}

// rejoinLocked re-sends phx_join for every registered channel. Caller
// holds r.mu and r.conn is non-nil.
func (r *RealtimeClient) rejoinLocked() {
	for _, ch := range r.channels {
		r.ref++
		ref := strconv.Itoa(r.ref)
		ch.joinRef = ref
		msg := phxMessage{
			Topic:   ch.topic,
			Event:   "phx_join",
			Payload: map[string]any{},
			Ref:     ref,
			JoinRef: ref,
		}
		if err := r.conn.WriteJSON(msg); err != nil {
			r.log.Warn("realtime rejoin failed", zap.String("topic", ch.topic), zap.Error(err))
			ch.joined = false
			continue
		}
		ch.joined = true
	}
}

func (r *RealtimeClient) dispatch(event *ChangeEvent) {
	switch event.Event {
	case "phx_reply", "phx_close", "heartbeat":
		return
	}
	if !r.limiter.Allow() {
		// Over budget. Dropping is safe: events only trigger reloads and
		// the poll fallback covers the gap.
		r.log.Debug("realtime event dropped by rate limit", zap.String("topic", event.Topic))
		return
	}

	r.mu.RLock()
	ch, ok := r.channels[event.Topic]
	var handlers []EventHandler
	if ok {
		handlers = append(handlers, ch.handlers...)
	}
	r.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

func (r *RealtimeClient) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != nil {
				r.ref++
				msg := phxMessage{
					Topic:   "phoenix",
					Event:   "heartbeat",
					Payload: map[string]any{},
					Ref:     strconv.Itoa(r.ref),
				}
				if err := r.conn.WriteJSON(msg); err != nil {
					r.log.Warn("realtime heartbeat failed", zap.Error(err))
				}
			}
			r.mu.Unlock()
		}
	}
}
