// Package contracts coordinates the subscription-contract lifecycle
// against the remote backend: creation through the retrying executor,
// once-only status transitions, and detail-view reads.
package contracts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/movillink/sync_layer/internal/backend"
	"github.com/movillink/sync_layer/internal/outcome"
	"github.com/movillink/sync_layer/internal/rpcexec"
)

// Status is a contract lifecycle state.
type Status string

const (
	// StatusPending is the state every contract is created in.
	StatusPending Status = "pendiente"
	// StatusActive is a terminal state.
	StatusActive Status = "activa"
	// StatusCancelled is a terminal state.
	StatusCancelled Status = "cancelada"
)

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusActive || s == StatusCancelled
}

// Remote procedure and view names.
const (
	rpcCreate     = "crear_contratacion"
	rpcTransition = "actualizar_estado_contratacion"
	rpcGetByID    = "obtener_contratacion_por_id"
	detailView    = "vw_contrataciones_detalle"
)

// Contract is a plan subscription.
type Contract struct {
	ID           string  `json:"id"`
	BuyerID      string  `json:"usuario_id"`
	PlanID       string  `json:"plan_id"`
	Status       Status  `json:"estado"`
	MonthlyPrice float64 `json:"precio_mensual"`
	StartDate    string  `json:"fecha_inicio"`
	CreatedAt    string  `json:"created_at,omitempty"`
	UpdatedAt    string  `json:"updated_at,omitempty"`
}

// Detail is a contract row from the denormalized detail view.
type Detail struct {
	Contract
	PlanName  string `json:"plan_nombre"`
	BuyerName string `json:"usuario_nombre"`
	Segment   string `json:"segmento"`
}

// TransitionEvent is emitted after a status transition is confirmed.
type TransitionEvent struct {
	ContractID string
	NewStatus  Status
}

// Listener receives transition events.
type Listener func(TransitionEvent)

// Coordinator drives the contract lifecycle.
type Coordinator struct {
	store  backend.Store
	caller backend.Caller
	exec   *rpcexec.Executor
	log    *zap.Logger

	newID func() string
	now   func() time.Time

	mu        sync.Mutex
	listeners []Listener
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithExecutor replaces the retrying executor.
func WithExecutor(e *rpcexec.Executor) Option {
	return func(c *Coordinator) { c.exec = e }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithIDGenerator replaces the idempotency-key source.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) { c.now = fn }
}

// New creates a Coordinator over the given backend surface.
func New(store backend.Store, caller backend.Caller, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		caller: caller,
		exec:   rpcexec.New(),
		log:    zap.NewNop(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnTransition registers a listener for confirmed status transitions.
func (c *Coordinator) OnTransition(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Create registers a new contract for a buyer. The call goes through the
// retrying executor because the buyer's profile row may not yet be visible
// to the replica handling the write. Every invocation carries a fresh
// idempotency key so the backend can deduplicate retried creations.
func (c *Coordinator) Create(ctx context.Context, buyerID, planID string, monthlyPrice float64) outcome.Outcome[Contract] {
	if buyerID == "" {
		return outcome.Fail[Contract](outcome.KindValidation, "buyer id is required")
	}
	if planID == "" {
		return outcome.Fail[Contract](outcome.KindValidation, "plan id is required")
	}
	if monthlyPrice <= 0 {
		return outcome.Fail[Contract](outcome.KindValidation, "monthly price must be positive")
	}

	key := c.newID()
	params := map[string]any{
		"p_usuario_id":      buyerID,
		"p_plan_id":         planID,
		"p_precio_mensual":  monthlyPrice,
		"p_idempotency_key": key,
	}

	res := c.exec.Execute(ctx, rpcCreate, func(ctx context.Context) ([]byte, error) {
		return c.caller.CallRPC(ctx, rpcCreate, params)
	})
	if res.Failed() {
		return outcome.FailFrom[Contract](res)
	}

	contract := Contract{
		BuyerID:      buyerID,
		PlanID:       planID,
		Status:       StatusPending,
		MonthlyPrice: monthlyPrice,
		StartDate:    c.now().Format("2006-01-02"),
	}

	if res.Unknown() {
		// The backend answered in a shape we do not recognize. The write
		// most likely landed, so report the contract as created under the
		// idempotency key and leave a loud trace for reconciliation.
		contract.ID = key
		c.log.Warn("contract creation returned unrecognized response, assuming created",
			zap.String("buyer_id", buyerID),
			zap.String("plan_id", planID),
			zap.String("placeholder_id", key),
			zap.ByteString("raw", res.Payload()))
		return outcome.Success(contract)
	}

	var created Contract
	if err := decodeInto(res, &created); err != nil {
		return outcome.Failf[Contract](outcome.KindParse, "decode contract: %v", err)
	}
	if created.ID == "" {
		created.ID = gjson.GetBytes(res.Payload(), "contratacion_id").String()
	}
	mergeContract(&contract, created)
	return outcome.Success(contract)
}

// Transition moves a contract out of its pending state. Only activa and
// cancelada are accepted; the backend enforces that a contract transitions
// at most once. The RPC runs without retry: repeating a transition that
// already took effect would report zero affected rows and read as failure.
func (c *Coordinator) Transition(ctx context.Context, contractID string, newStatus Status) outcome.Outcome[bool] {
	if contractID == "" {
		return outcome.Fail[bool](outcome.KindValidation, "contract id is required")
	}
	if newStatus != StatusActive && newStatus != StatusCancelled {
		return outcome.Failf[bool](outcome.KindValidation, "invalid target status %q", newStatus)
	}

	params := map[string]any{
		"p_contratacion_id": contractID,
		"p_nuevo_estado":    string(newStatus),
	}
	res := c.exec.ExecuteOnce(ctx, rpcTransition, func(ctx context.Context) ([]byte, error) {
		return c.caller.CallRPC(ctx, rpcTransition, params)
	})
	if !res.OK() {
		return outcome.FailFrom[bool](res)
	}

	affected := gjson.GetBytes(res.Payload(), "rows_affected").Int()
	if affected < 1 {
		return outcome.Success(false)
	}

	c.emit(TransitionEvent{ContractID: contractID, NewStatus: newStatus})
	return outcome.Success(true)
}

// GetByID fetches one contract through the privileged lookup RPC.
func (c *Coordinator) GetByID(ctx context.Context, contractID string) outcome.Outcome[Contract] {
	if contractID == "" {
		return outcome.Fail[Contract](outcome.KindValidation, "contract id is required")
	}

	params := map[string]any{"p_contratacion_id": contractID}
	res := c.exec.ExecuteOnce(ctx, rpcGetByID, func(ctx context.Context) ([]byte, error) {
		return c.caller.CallRPC(ctx, rpcGetByID, params)
	})
	if res.Unknown() && isEmptyPayload(res.Payload()) {
		// The lookup answers null (or nothing) for a missing contract,
		// which matches no known shape.
		return outcome.Failf[Contract](outcome.KindNotFound, "contract %s not found", contractID)
	}
	if !res.OK() {
		return outcome.FailFrom[Contract](res)
	}

	var contract Contract
	if err := decodeInto(res, &contract); err != nil {
		return outcome.Failf[Contract](outcome.KindParse, "decode contract: %v", err)
	}
	if contract.ID == "" {
		return outcome.Failf[Contract](outcome.KindNotFound, "contract %s not found", contractID)
	}
	return outcome.Success(contract)
}

// ListByBuyer returns the buyer's contracts from the detail view, newest
// first.
func (c *Coordinator) ListByBuyer(ctx context.Context, buyerID string) outcome.Outcome[[]Detail] {
	if buyerID == "" {
		return outcome.Fail[[]Detail](outcome.KindValidation, "buyer id is required")
	}
	return c.listDetail(ctx, backend.Eq("usuario_id", buyerID))
}

// ListPending returns every contract still awaiting a transition, newest
// first.
func (c *Coordinator) ListPending(ctx context.Context) outcome.Outcome[[]Detail] {
	return c.listDetail(ctx, backend.Eq("estado", string(StatusPending)))
}

// ListAll returns every contract in the detail view, newest first.
func (c *Coordinator) ListAll(ctx context.Context) outcome.Outcome[[]Detail] {
	return c.listDetail(ctx)
}

func (c *Coordinator) listDetail(ctx context.Context, filters ...backend.Filter) outcome.Outcome[[]Detail] {
	raw, err := c.store.Select(ctx, backend.Query{
		Table:      detailView,
		Filters:    filters,
		OrderBy:    "created_at",
		Descending: true,
	})
	if err != nil {
		return outcome.Failf[[]Detail](outcome.KindBackend, "read %s: %v", detailView, err)
	}

	res := outcome.OKResult(raw)
	rows, err := outcome.Decode[[]Detail](res)
	if err != nil {
		return outcome.Failf[[]Detail](outcome.KindParse, "decode contracts: %v", err)
	}
	return outcome.Success(rows)
}

func (c *Coordinator) emit(event TransitionEvent) {
	c.mu.Lock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

func decodeInto[T any](res outcome.Result, dst *T) error {
	v, err := outcome.Decode[T](res)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func isEmptyPayload(raw []byte) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

func mergeContract(base *Contract, remote Contract) {
	if remote.ID != "" {
		base.ID = remote.ID
	}
	if remote.BuyerID != "" {
		base.BuyerID = remote.BuyerID
	}
	if remote.PlanID != "" {
		base.PlanID = remote.PlanID
	}
	if remote.Status != "" {
		base.Status = remote.Status
	}
	if remote.MonthlyPrice != 0 {
		base.MonthlyPrice = remote.MonthlyPrice
	}
	if remote.StartDate != "" {
		base.StartDate = remote.StartDate
	}
	if remote.CreatedAt != "" {
		base.CreatedAt = remote.CreatedAt
	}
	if remote.UpdatedAt != "" {
		base.UpdatedAt = remote.UpdatedAt
	}
}
