// Package catalog keeps a replay-latest cache of the active plan catalog.
// The cache is replaced wholesale on every reload; observers only hear
// about sets that actually differ from the last one they were handed.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/metrics"
	"github.com/movillink/sync_layer/internal/outcome"
	"github.com/movillink/sync_layer/internal/rpcexec"
)

const (
	tablePlans    = "planes_moviles"
	rpcCreatePlan = "crear_plan_asesor"

	// DefaultSettleDelay is how long a successful plan creation waits
	// before reloading, giving the backend time to make the row visible.
	DefaultSettleDelay = 300 * time.Millisecond
)

// Plan is one mobile plan offering.
type Plan struct {
	ID            string  `json:"id,omitempty"`
	Name          string  `json:"nombre"`
	Description   string  `json:"descripcion,omitempty"`
	Price         float64 `json:"precio"`
	Segment       string  `json:"segmento"`
	MobileData    string  `json:"datos_moviles,omitempty"`
	VoiceMinutes  string  `json:"minutos_voz,omitempty"`
	SMS           string  `json:"sms,omitempty"`
	Speed4G       string  `json:"velocidad_4g,omitempty"`
	Speed5G       string  `json:"velocidad_5g,omitempty"`
	SocialMedia   bool    `json:"redes_sociales,omitempty"`
	WhatsApp      bool    `json:"whatsapp,omitempty"`
	International bool    `json:"llamadas_internacionales,omitempty"`
	Roaming       bool    `json:"roaming,omitempty"`
	ImageURL      string  `json:"imagen_url,omitempty"`
	Active        bool    `json:"activo"`
	CreatedAt     string  `json:"created_at,omitempty"`
	UpdatedAt     string  `json:"updated_at,omitempty"`
}

// Observer receives the full active-plan set.
type Observer func(plans []Plan)

// Cache is the replay-latest plan catalog.
type Cache struct {
	store  backend.Store
	caller backend.Caller
	feed   backend.ChangeFeed
	exec   *rpcexec.Executor
	log    *zap.Logger
	settle time.Duration
	now    func() time.Time

	mu        sync.Mutex
	plans     []Plan
	observers map[int]Observer
	nextObs   int
	sub       backend.Subscription
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// WithSettleDelay overrides the post-creation settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Cache) { c.settle = d }
}

// WithExecutor replaces the executor used for plan creation.
func WithExecutor(e *rpcexec.Executor) Option {
	return func(c *Cache) { c.exec = e }
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) { c.now = fn }
}

// New creates a Cache over the given backend surface.
func New(store backend.Store, caller backend.Caller, feed backend.ChangeFeed, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		caller:    caller,
		feed:      feed,
		exec:      rpcexec.New(),
		log:       zap.NewNop(),
		settle:    DefaultSettleDelay,
		now:       time.Now,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to catalog changes and runs the initial reload. Any
// change to the plans table, insert, update or delete, invalidates the
// cache by triggering a reload.
func (c *Cache) Start(ctx context.Context) error {
	sub, err := c.feed.SubscribeChanges(ctx, tablePlans, "", func([]byte) {
		metrics.RealtimeEvents.WithLabelValues(tablePlans).Inc()
		if err := c.Reload(context.Background()); err != nil {
			c.log.Warn("catalog reload after change failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe catalog changes: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	return c.Reload(ctx)
}

// Stop releases the realtime registration.
func (c *Cache) Stop(ctx context.Context) {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(ctx); err != nil {
			c.log.Warn("catalog unsubscribe failed", zap.Error(err))
		}
	}
}

// Reload replaces the cached set with the current active plans, newest
// first. Observers are notified only when the new set differs by value.
func (c *Cache) Reload(ctx context.Context) error {
	raw, err := c.store.Select(ctx, backend.Query{
		Table:      tablePlans,
		Filters:    []backend.Filter{backend.Eq("activo", true)},
		OrderBy:    "created_at",
		Descending: true,
	})
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}

	var plans []Plan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return fmt.Errorf("decode plans: %w", err)
	}
	metrics.CatalogReloads.Inc()

	c.mu.Lock()
	if reflect.DeepEqual(c.plans, plans) {
		c.mu.Unlock()
		return nil
	}
	c.plans = plans
	observers := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		obs(copyPlans(plans))
	}
	return nil
}

// Subscribe registers an observer. It is called immediately with the
// current set, then after every reload whose result differs by value.
// The returned function removes the registration.
func (c *Cache) Subscribe(obs Observer) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = obs
	current := copyPlans(c.plans)
	c.mu.Unlock()

	obs(current)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Plans returns the current cached set.
func (c *Cache) Plans() []Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyPlans(c.plans)
}

// BySegment returns the cached plans of one segment.
func (c *Cache) BySegment(segment string) []Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Plan
	for _, p := range c.plans {
		if p.Segment == segment {
			out = append(out, p)
		}
	}
	return out
}

// GetByID reads one plan directly from the backend, never from the
// cache, so detail views always see fresh data.
func (c *Cache) GetByID(ctx context.Context, planID string) outcome.Outcome[Plan] {
	if planID == "" {
		return outcome.Fail[Plan](outcome.KindValidation, "plan id is required")
	}

	raw, err := c.store.Select(ctx, backend.Query{
		Table:   tablePlans,
		Filters: []backend.Filter{backend.Eq("id", planID)},
		Single:  true,
	})
	if err != nil {
		return outcome.Failf[Plan](outcome.KindNotFound, "plan %s: %v", planID, err)
	}

	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return outcome.Failf[Plan](outcome.KindParse, "decode plan: %v", err)
	}
	return outcome.Success(plan)
}

// CreatePlan registers a new plan through the advisor RPC and reloads
// the cache after a short settle delay.
func (c *Cache) CreatePlan(ctx context.Context, advisorUserID string, plan Plan) outcome.Outcome[Plan] {
	if advisorUserID == "" {
		return outcome.Fail[Plan](outcome.KindValidation, "advisor user id is required")
	}
	if plan.Name == "" {
		return outcome.Fail[Plan](outcome.KindValidation, "plan name is required")
	}
	if plan.Price <= 0 {
		return outcome.Fail[Plan](outcome.KindValidation, "plan price must be positive")
	}

	params := map[string]any{
		"p_user_id":                  advisorUserID,
		"p_nombre":                   plan.Name,
		"p_descripcion":              plan.Description,
		"p_precio":                   plan.Price,
		"p_segmento":                 plan.Segment,
		"p_datos_moviles":            plan.MobileData,
		"p_minutos_voz":              plan.VoiceMinutes,
		"p_sms":                      plan.SMS,
		"p_velocidad_4g":             plan.Speed4G,
		"p_velocidad_5g":             plan.Speed5G,
		"p_redes_sociales":           plan.SocialMedia,
		"p_whatsapp":                 plan.WhatsApp,
		"p_llamadas_internacionales": plan.International,
		"p_roaming":                  plan.Roaming,
		"p_imagen_url":               plan.ImageURL,
	}

	res := c.exec.ExecuteOnce(ctx, rpcCreatePlan, func(ctx context.Context) ([]byte, error) {
		return c.caller.CallRPC(ctx, rpcCreatePlan, params)
	})
	if res.Failed() {
		return outcome.FailFrom[Plan](res)
	}

	created := plan
	created.Active = true
	if res.Unknown() {
		c.log.Warn("plan creation returned unrecognized response, assuming created",
			zap.String("nombre", plan.Name),
			zap.ByteString("raw", res.Payload()))
	} else if id := gjson.GetBytes(res.Payload(), "plan_id"); id.Exists() {
		created.ID = id.String()
	} else if id := gjson.GetBytes(res.Payload(), "id"); id.Exists() {
		created.ID = id.String()
	}

	// The reload waits out the settle delay in the background so the
	// caller gets its answer immediately; like mark-as-read, the refresh
	// is fire-and-forget.
	go c.settleAndReload(context.Background())
	return outcome.Success(created)
}

// UpdatePlan patches one plan and reloads the cache.
func (c *Cache) UpdatePlan(ctx context.Context, planID string, fields map[string]any) outcome.Outcome[Plan] {
	if planID == "" {
		return outcome.Fail[Plan](outcome.KindValidation, "plan id is required")
	}

	patch := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		patch[k] = v
	}
	patch["updated_at"] = c.now().UTC().Format(time.RFC3339)

	raw, err := c.store.Update(ctx, tablePlans, patch, backend.Eq("id", planID))
	if err != nil {
		return outcome.Failf[Plan](outcome.KindBackend, "update plan: %v", err)
	}

	plan, err := decodePlanRow(raw)
	if err != nil {
		return outcome.Failf[Plan](outcome.KindParse, "decode plan: %v", err)
	}

	if err := c.Reload(ctx); err != nil {
		c.log.Warn("reload after plan update failed", zap.Error(err))
	}
	return outcome.Success(plan)
}

// DeletePlan removes one plan and reloads the cache.
func (c *Cache) DeletePlan(ctx context.Context, planID string) outcome.Outcome[bool] {
	if planID == "" {
		return outcome.Fail[bool](outcome.KindValidation, "plan id is required")
	}

	if _, err := c.store.Delete(ctx, tablePlans, backend.Eq("id", planID)); err != nil {
		return outcome.Failf[bool](outcome.KindBackend, "delete plan: %v", err)
	}

	if err := c.Reload(ctx); err != nil {
		c.log.Warn("reload after plan delete failed", zap.Error(err))
	}
	return outcome.Success(true)
}

// DeactivatePlan retires a plan without deleting its row.
func (c *Cache) DeactivatePlan(ctx context.Context, planID string) outcome.Outcome[bool] {
	out := c.UpdatePlan(ctx, planID, map[string]any{"activo": false})
	if !out.OK() {
		return outcome.Fail[bool](out.Kind(), out.Detail())
	}
	return outcome.Success(true)
}

func (c *Cache) settleAndReload(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.settle):
	}
	if err := c.Reload(ctx); err != nil {
		c.log.Warn("reload after plan creation failed", zap.Error(err))
	}
}

func decodePlanRow(raw []byte) (Plan, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Plan
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return Plan{}, err
		}
		if len(list) == 0 {
			return Plan{}, fmt.Errorf("no row matched")
		}
		return list[0], nil
	}
	var plan Plan
	if err := json.Unmarshal(trimmed, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func copyPlans(plans []Plan) []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}
