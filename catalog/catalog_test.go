package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/outcome"
	"github.com/movillink/sync_layer/internal/rpcexec"
)

func newTestCache(m *backend.Memory, opts ...Option) *Cache {
	opts = append([]Option{
		WithExecutor(rpcexec.New(rpcexec.WithBaseDelay(time.Millisecond))),
		WithSettleDelay(time.Millisecond),
		WithClock(func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }),
	}, opts...)
	return New(m, m, m, opts...)
}

type planRecorder struct {
	mu   sync.Mutex
	sets [][]Plan
}

func (r *planRecorder) observe(plans []Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, plans)
}

func (r *planRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *planRecorder) last() []Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) == 0 {
		return nil
	}
	return r.sets[len(r.sets)-1]
}

func planIDs(plans []Plan) []string {
	out := make([]string, len(plans))
	for i, p := range plans {
		out[i] = p.ID
	}
	return out
}

func TestStart_LoadsActivePlansNewestFirst(t *testing.T) {
	m := backend.NewMemory()
	m.Seed(tablePlans,
		map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"},
		map[string]any{"id": "p2", "nombre": "Pro", "precio": 30.0, "segmento": "empresas", "activo": true, "created_at": "2026-02-01T00:00:00Z"},
		map[string]any{"id": "p3", "nombre": "Viejo", "precio": 5.0, "segmento": "personas", "activo": false, "created_at": "2026-03-01T00:00:00Z"},
	)
	c := newTestCache(m)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	got := planIDs(c.Plans())
	if len(got) != 2 || got[0] != "p2" || got[1] != "p1" {
		t.Errorf("plans = %v, want [p2 p1]", got)
	}
}

func TestSubscribe_ReplaysAndSuppressesDuplicates(t *testing.T) {
	m := backend.NewMemory()
	m.Seed(tablePlans, map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})
	c := newTestCache(m)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	rec := &planRecorder{}
	defer c.Subscribe(rec.observe)()
	if rec.count() != 1 {
		t.Fatalf("observer calls = %d, want 1 immediate replay", rec.count())
	}

	// Identical reloads must not renotify.
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("observer calls = %d, want 1: unchanged sets are suppressed", rec.count())
	}

	m.Seed(tablePlans, map[string]any{"id": "p2", "nombre": "Pro", "precio": 30.0, "segmento": "empresas", "activo": true, "created_at": "2026-02-01T00:00:00Z"})
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("observer calls = %d, want 2 after a changed set", rec.count())
	}
	if got := planIDs(rec.last()); len(got) != 2 || got[0] != "p2" {
		t.Errorf("last set = %v, want [p2 p1]", got)
	}
}

func TestRealtimeChangeInvalidatesCache(t *testing.T) {
	m := backend.NewMemory()
	c := newTestCache(m)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	rec := &planRecorder{}
	defer c.Subscribe(rec.observe)()

	m.Seed(tablePlans, map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})
	m.EmitChange(tablePlans, "", []byte(`{"id":"p1"}`))

	if got := planIDs(c.Plans()); len(got) != 1 || got[0] != "p1" {
		t.Errorf("plans after change = %v, want [p1]", got)
	}
	if got := planIDs(rec.last()); len(got) != 1 || got[0] != "p1" {
		t.Errorf("observed set = %v, want [p1]", got)
	}
}

func TestGetByID_NeverServedFromCache(t *testing.T) {
	m := backend.NewMemory()
	c := newTestCache(m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	// Row added after the load, no reload: a cache hit would miss it.
	m.Seed(tablePlans, map[string]any{"id": "p9", "nombre": "Nuevo", "precio": 20.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})

	out := c.GetByID(context.Background(), "p9")
	if !out.OK() {
		t.Fatalf("GetByID() = %v %s, want success", out.Kind(), out.Detail())
	}
	if out.Value().Name != "Nuevo" {
		t.Errorf("plan = %+v", out.Value())
	}

	if out := c.GetByID(context.Background(), "missing"); !out.Failed() || out.Kind() != outcome.KindNotFound {
		t.Errorf("GetByID(missing) = %v, want not found", out.Kind())
	}
}

func TestCreatePlan_SuccessReloadsAfterSettle(t *testing.T) {
	m := backend.NewMemory()
	m.Handle(rpcCreatePlan, func(params map[string]any) ([]byte, error) {
		m.Seed(tablePlans, map[string]any{
			"id": "p9", "nombre": params["p_nombre"], "precio": params["p_precio"],
			"segmento": params["p_segmento"], "activo": true, "created_at": "2026-03-15T12:00:00Z",
		})
		return []byte(`{"success":true,"plan_id":"p9"}`), nil
	})
	c := newTestCache(m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	out := c.CreatePlan(context.Background(), "a1", Plan{Name: "Pro", Price: 30, Segment: "empresas"})
	if !out.OK() {
		t.Fatalf("CreatePlan() = %v %s, want success", out.Kind(), out.Detail())
	}
	if out.Value().ID != "p9" {
		t.Errorf("ID = %s, want p9", out.Value().ID)
	}

	waitForPlans(t, c, func(ids []string) bool {
		return len(ids) == 1 && ids[0] == "p9"
	})

	calls := m.RPCCalls(rpcCreatePlan)
	if len(calls) != 1 || calls[0]["p_user_id"] != "a1" || calls[0]["p_nombre"] != "Pro" {
		t.Errorf("calls = %v", calls)
	}
}

func TestCreatePlan_DoesNotBlockOnSettleDelay(t *testing.T) {
	m := backend.NewMemory()
	m.Handle(rpcCreatePlan, func(params map[string]any) ([]byte, error) {
		m.Seed(tablePlans, map[string]any{
			"id": "p9", "nombre": params["p_nombre"], "precio": params["p_precio"],
			"activo": true, "created_at": "2026-03-15T12:00:00Z",
		})
		return []byte(`{"success":true,"plan_id":"p9"}`), nil
	})
	c := newTestCache(m, WithSettleDelay(300*time.Millisecond))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	start := time.Now()
	out := c.CreatePlan(context.Background(), "a1", Plan{Name: "Pro", Price: 30})
	if !out.OK() {
		t.Fatalf("CreatePlan() = %v %s, want success", out.Kind(), out.Detail())
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Errorf("CreatePlan() blocked %v, want return before the settle delay", elapsed)
	}

	// The reload still lands once the delay passes.
	waitForPlans(t, c, func(ids []string) bool {
		return len(ids) == 1 && ids[0] == "p9"
	})
}

func waitForPlans(t *testing.T, c *Cache, ok func(ids []string) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok(planIDs(c.Plans())) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cache never reached expected state, have %v", planIDs(c.Plans()))
}

func TestCreatePlan_BackendFailure(t *testing.T) {
	m := backend.NewMemory()
	m.Handle(rpcCreatePlan, func(params map[string]any) ([]byte, error) {
		return []byte(`{"success":false,"error":"datos invalidos"}`), nil
	})
	c := newTestCache(m)

	out := c.CreatePlan(context.Background(), "a1", Plan{Name: "Pro", Price: 30})
	if !out.Failed() || out.Kind() != outcome.KindBackend {
		t.Fatalf("CreatePlan() = %v, want backend failure", out.Kind())
	}
	if out.Detail() != "datos invalidos" {
		t.Errorf("detail = %s", out.Detail())
	}
}

func TestCreatePlan_UnknownShapeAssumesCreated(t *testing.T) {
	m := backend.NewMemory()
	m.Handle(rpcCreatePlan, func(params map[string]any) ([]byte, error) {
		return []byte(`{"resultado":"ok"}`), nil
	})
	c := newTestCache(m)

	out := c.CreatePlan(context.Background(), "a1", Plan{Name: "Pro", Price: 30})
	if !out.OK() {
		t.Fatalf("CreatePlan() = %v, want optimistic success", out.Kind())
	}
	if out.Value().ID != "" {
		t.Errorf("ID = %s, want empty placeholder", out.Value().ID)
	}
}

func TestCreatePlan_Validation(t *testing.T) {
	m := backend.NewMemory()
	c := newTestCache(m)

	cases := []struct {
		name      string
		advisorID string
		plan      Plan
	}{
		{"missing advisor", "", Plan{Name: "Pro", Price: 30}},
		{"missing name", "a1", Plan{Price: 30}},
		{"zero price", "a1", Plan{Name: "Pro"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := c.CreatePlan(context.Background(), tc.advisorID, tc.plan)
			if !out.Failed() || out.Kind() != outcome.KindValidation {
				t.Errorf("CreatePlan() = %v, want validation failure", out.Kind())
			}
		})
	}
	if got := len(m.RPCCalls(rpcCreatePlan)); got != 0 {
		t.Errorf("backend calls = %d, want 0", got)
	}
}

func TestUpdatePlan_PatchesAndReloads(t *testing.T) {
	m := backend.NewMemory()
	m.Seed(tablePlans, map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})
	c := newTestCache(m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	out := c.UpdatePlan(context.Background(), "p1", map[string]any{"precio": 15.0})
	if !out.OK() {
		t.Fatalf("UpdatePlan() = %v %s, want success", out.Kind(), out.Detail())
	}
	if out.Value().Price != 15 {
		t.Errorf("price = %v, want 15", out.Value().Price)
	}

	rows := m.Rows(tablePlans)
	if rows[0]["updated_at"] != "2026-03-15T12:00:00Z" {
		t.Errorf("updated_at = %v", rows[0]["updated_at"])
	}
	if got := c.Plans(); len(got) != 1 || got[0].Price != 15 {
		t.Errorf("cache after update = %+v", got)
	}
}

func TestDeactivatePlan_RemovesFromActiveSet(t *testing.T) {
	m := backend.NewMemory()
	m.Seed(tablePlans, map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})
	c := newTestCache(m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	out := c.DeactivatePlan(context.Background(), "p1")
	if !out.OK() || !out.Value() {
		t.Fatalf("DeactivatePlan() = %v %v, want true", out.State(), out.Value())
	}
	if got := c.Plans(); len(got) != 0 {
		t.Errorf("active plans = %v, want none", got)
	}
	if got := len(m.Rows(tablePlans)); got != 1 {
		t.Errorf("rows = %d, want 1: deactivation keeps the row", got)
	}
}

func TestDeletePlan_RemovesRow(t *testing.T) {
	m := backend.NewMemory()
	m.Seed(tablePlans, map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"})
	c := newTestCache(m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	out := c.DeletePlan(context.Background(), "p1")
	if !out.OK() || !out.Value() {
		t.Fatalf("DeletePlan() = %v, want true", out.State())
	}
	if got := len(m.Rows(tablePlans)); got != 0 {
		t.Errorf("rows = %d, want 0", got)
	}
	if got := c.Plans(); len(got) != 0 {
		t.Errorf("cache = %v, want empty", got)
	}
}

func TestBySegment(t *testing.T) {
	m := backend.NewMemory()
	m.Seed(tablePlans,
		map[string]any{"id": "p1", "nombre": "Basico", "precio": 10.0, "segmento": "personas", "activo": true, "created_at": "2026-01-01T00:00:00Z"},
		map[string]any{"id": "p2", "nombre": "Pro", "precio": 30.0, "segmento": "empresas", "activo": true, "created_at": "2026-02-01T00:00:00Z"},
	)
	c := newTestCache(m)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer c.Stop(context.Background())

	got := c.BySegment("empresas")
	if len(got) != 1 || got[0].ID != "p2" {
		t.Errorf("BySegment(empresas) = %v, want [p2]", planIDs(got))
	}
}
