// Package chat synchronizes per-conversation message lists against the
// backend. A conversation is reloaded wholesale on two independent
// triggers, a realtime change notification and a periodic poll, and the
// resulting lists are applied in sequence order so a slow reload can
// never overwrite a newer one.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/metrics"
	"github.com/movillink/sync_layer/internal/outcome"
	"github.com/movillink/sync_layer/internal/rpcexec"
)

// DefaultPollInterval is how often an active conversation polls for
// messages between realtime notifications.
const DefaultPollInterval = 3 * time.Second

const (
	tableMessages           = "mensajes_chat"
	viewConversations       = "vw_conversaciones_chat"
	rpcAdvisorConversations = "obtener_conversaciones_asesor"
	markReadTimeout         = 10 * time.Second
)

// Message is one chat message. Exactly one of BuyerID and AdvisorID is
// set, identifying the sender.
type Message struct {
	ID         string `json:"id"`
	ContractID string `json:"contratacion_id"`
	BuyerID    string `json:"usuario_id,omitempty"`
	AdvisorID  string `json:"asesor_id,omitempty"`
	Body       string `json:"mensaje"`
	Read       bool   `json:"leido"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// ConversationSummary is one row of the conversation overview.
type ConversationSummary struct {
	ContractID  string `json:"contratacion_id"`
	LastMessage string `json:"ultimo_mensaje,omitempty"`
	LastAt      string `json:"timestamp_ultimo"`
	Unread      int    `json:"no_leidos"`
	BuyerName   string `json:"usuario_nombre,omitempty"`
	PlanName    string `json:"plan_nombre,omitempty"`
}

// Observer receives the full message list of a conversation: once on
// registration and again after every applied reload.
type Observer func(messages []Message)

// conversation is the per-contract synchronization state.
type conversation struct {
	contractID string
	active     bool
	seq        uint64 // last sequence handed to a reload
	applied    uint64 // highest sequence applied
	messages   []Message
	observers  map[int]Observer
	sub        backend.Subscription
	stopPoll   chan struct{}
}

// Channel synchronizes conversations. All methods are safe for
// concurrent use.
type Channel struct {
	store  backend.Store
	caller backend.Caller
	feed   backend.ChangeFeed
	exec   *rpcexec.Executor
	log    *zap.Logger
	poll   time.Duration

	mu      sync.Mutex
	convs   map[string]*conversation
	nextObs int
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Channel) { c.log = log }
}

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) { c.poll = d }
}

// WithExecutor replaces the executor used for privileged reads.
func WithExecutor(e *rpcexec.Executor) Option {
	return func(c *Channel) { c.exec = e }
}

// New creates a Channel over the given backend surface.
func New(store backend.Store, caller backend.Caller, feed backend.ChangeFeed, opts ...Option) *Channel {
	c := &Channel{
		store:  store,
		caller: caller,
		feed:   feed,
		exec:   rpcexec.New(),
		log:    zap.NewNop(),
		poll:   DefaultPollInterval,
		convs:  make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers an observer for a conversation. The observer is
// called immediately with the current message list, then after every
// applied reload. The returned function removes the registration.
func (c *Channel) Subscribe(contractID string, obs Observer) func() {
	c.mu.Lock()
	conv := c.getOrCreate(contractID)
	id := c.nextObs
	c.nextObs++
	conv.observers[id] = obs
	current := copyMessages(conv.messages)
	c.mu.Unlock()

	obs(current)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(conv.observers, id)
	}
}

// Activate marks the conversation view active: it registers the realtime
// trigger, starts the poll ticker, and runs an initial reload. Activating
// an already-active conversation is a no-op.
func (c *Channel) Activate(ctx context.Context, contractID string) error {
	if contractID == "" {
		return fmt.Errorf("contract id is required")
	}

	c.mu.Lock()
	conv := c.getOrCreate(contractID)
	if conv.active {
		c.mu.Unlock()
		return nil
	}
	conv.active = true
	conv.stopPoll = make(chan struct{})
	stop := conv.stopPoll
	c.mu.Unlock()

	sub, err := c.feed.SubscribeChanges(ctx, tableMessages, "contratacion_id=eq."+contractID, func([]byte) {
		metrics.RealtimeEvents.WithLabelValues(tableMessages).Inc()
		c.Reload(context.Background(), contractID)
	})
	if err != nil {
		c.mu.Lock()
		conv.active = false
		conv.stopPoll = nil
		c.mu.Unlock()
		close(stop)
		return fmt.Errorf("subscribe changes: %w", err)
	}

	c.mu.Lock()
	conv.sub = sub
	c.mu.Unlock()

	go c.pollLoop(contractID, stop)
	c.Reload(ctx, contractID)
	return nil
}

// Deactivate stops the poll ticker and releases the realtime
// registration. In-flight reloads are not cancelled; their results are
// discarded by the sequence check. Deactivating twice is a no-op.
func (c *Channel) Deactivate(ctx context.Context, contractID string) {
	c.mu.Lock()
	conv, ok := c.convs[contractID]
	if !ok || !conv.active {
		c.mu.Unlock()
		return
	}
	conv.active = false
	close(conv.stopPoll)
	conv.stopPoll = nil
	sub := conv.sub
	conv.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			c.log.Warn("realtime unsubscribe failed",
				zap.String("contract_id", contractID), zap.Error(err))
		}
	}
}

// Reload fetches the conversation's full message list and applies it if
// no newer reload has been applied in the meantime. Every applied reload
// fires mark-as-read in the background.
func (c *Channel) Reload(ctx context.Context, contractID string) {
	c.mu.Lock()
	conv, ok := c.convs[contractID]
	if !ok || !conv.active {
		c.mu.Unlock()
		return
	}
	conv.seq++
	seq := conv.seq
	c.mu.Unlock()

	raw, err := c.store.Select(ctx, backend.Query{
		Table:   tableMessages,
		Filters: []backend.Filter{backend.Eq("contratacion_id", contractID)},
		OrderBy: "created_at",
	})
	if err != nil {
		c.log.Warn("conversation reload failed",
			zap.String("contract_id", contractID), zap.Error(err))
		return
	}

	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.log.Warn("conversation reload returned malformed rows",
			zap.String("contract_id", contractID), zap.Error(err))
		return
	}

	c.mu.Lock()
	if !conv.active || seq <= conv.applied {
		c.mu.Unlock()
		metrics.ReloadsDiscarded.Inc()
		return
	}
	conv.applied = seq
	conv.messages = msgs
	observers := snapshotObservers(conv)
	c.mu.Unlock()

	metrics.ReloadsApplied.Inc()
	for _, obs := range observers {
		obs(copyMessages(msgs))
	}
	go c.markRead(contractID)
}

// History fetches the conversation's messages directly, oldest first,
// bypassing the replay cache.
func (c *Channel) History(ctx context.Context, contractID string) outcome.Outcome[[]Message] {
	if contractID == "" {
		return outcome.Fail[[]Message](outcome.KindValidation, "contract id is required")
	}

	raw, err := c.store.Select(ctx, backend.Query{
		Table:   tableMessages,
		Filters: []backend.Filter{backend.Eq("contratacion_id", contractID)},
		OrderBy: "created_at",
	})
	if err != nil {
		return outcome.Failf[[]Message](outcome.KindBackend, "read messages: %v", err)
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return outcome.Failf[[]Message](outcome.KindParse, "decode messages: %v", err)
	}
	return outcome.Success(msgs)
}

// Send writes one message. The conversation is not reloaded here; the
// next trigger, push or poll, picks the row up.
func (c *Channel) Send(ctx context.Context, contractID, senderID string, asAdvisor bool, body string) outcome.Outcome[Message] {
	if contractID == "" {
		return outcome.Fail[Message](outcome.KindValidation, "contract id is required")
	}
	if !asAdvisor && senderID == "" {
		return outcome.Fail[Message](outcome.KindValidation, "sender id is required")
	}
	if body == "" {
		return outcome.Fail[Message](outcome.KindValidation, "message body is required")
	}

	row := map[string]any{
		"contratacion_id": contractID,
		"mensaje":         body,
		"leido":           false,
	}
	if asAdvisor {
		if senderID != "" {
			row["asesor_id"] = senderID
		}
	} else {
		row["usuario_id"] = senderID
	}

	raw, err := c.store.Insert(ctx, tableMessages, row)
	if err != nil {
		return outcome.Failf[Message](outcome.KindBackend, "send message: %v", err)
	}

	msg, err := decodeRow(raw)
	if err != nil {
		return outcome.Failf[Message](outcome.KindParse, "decode message: %v", err)
	}
	return outcome.Success(msg)
}

// ListConversations returns the caller's conversation overview, most
// recent first. Advisors go through the privileged RPC; buyers read the
// restricted view scoped to their own rows.
func (c *Channel) ListConversations(ctx context.Context, userID string, isAdvisor bool) outcome.Outcome[[]ConversationSummary] {
	if userID == "" {
		return outcome.Fail[[]ConversationSummary](outcome.KindValidation, "user id is required")
	}

	var rows []ConversationSummary
	if isAdvisor {
		res := c.exec.ExecuteOnce(ctx, rpcAdvisorConversations, func(ctx context.Context) ([]byte, error) {
			return c.caller.CallRPC(ctx, rpcAdvisorConversations, map[string]any{"p_asesor_id": userID})
		})
		if !res.OK() {
			return outcome.FailFrom[[]ConversationSummary](res)
		}
		decoded, err := outcome.Decode[[]ConversationSummary](res)
		if err != nil {
			return outcome.Failf[[]ConversationSummary](outcome.KindParse, "decode conversations: %v", err)
		}
		rows = decoded
	} else {
		raw, err := c.store.Select(ctx, backend.Query{
			Table:   viewConversations,
			Filters: []backend.Filter{backend.Eq("usuario_id", userID)},
		})
		if err != nil {
			return outcome.Failf[[]ConversationSummary](outcome.KindBackend, "read %s: %v", viewConversations, err)
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return outcome.Failf[[]ConversationSummary](outcome.KindParse, "decode conversations: %v", err)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return lastAtTime(rows[i]).After(lastAtTime(rows[j]))
	})
	return outcome.Success(rows)
}

// lastAtTime parses the summary timestamp. Rows the backend emits with a
// non-UTC offset still order correctly; an unparseable value sorts last.
func lastAtTime(row ConversationSummary) time.Time {
	t, err := time.Parse(time.RFC3339, row.LastAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *Channel) pollLoop(contractID string, stop <-chan struct{}) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.Reload(context.Background(), contractID)
		}
	}
}

// markRead flips every unread row of the conversation. Fire-and-forget:
// a failure is logged and never retried, and the reload that triggered
// it has already been applied.
func (c *Channel) markRead(contractID string) {
	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()

	_, err := c.store.Update(ctx, tableMessages,
		map[string]any{"leido": true},
		backend.Eq("contratacion_id", contractID),
		backend.Eq("leido", false))
	if err != nil {
		c.log.Warn("mark-as-read failed",
			zap.String("contract_id", contractID), zap.Error(err))
	}
}

// getOrCreate must be called with c.mu held.
func (c *Channel) getOrCreate(contractID string) *conversation {
	conv, ok := c.convs[contractID]
	if !ok {
		conv = &conversation{
			contractID: contractID,
			observers:  make(map[int]Observer),
		}
		c.convs[contractID] = conv
	}
	return conv
}

func snapshotObservers(conv *conversation) []Observer {
	out := make([]Observer, 0, len(conv.observers))
	for _, obs := range conv.observers {
		out = append(out, obs)
	}
	return out
}

// decodeRow handles both representations the backend uses for a written
// row: a bare object and a one-element array.
func decodeRow(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Message
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Message{}, err
		}
		if len(list) == 0 {
			return Message{}, fmt.Errorf("empty representation")
		}
		return list[0], nil
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
