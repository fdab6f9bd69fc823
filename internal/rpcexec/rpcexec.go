// Package rpcexec executes remote operations with bounded retry for
// transient referential failures. The backend replicates writes with a lag:
// a row created by one call may not yet be visible to the foreign-key checks
// of the next, which surfaces as a "foreign key" rejection that heals by
// itself. Each attempt is preceded by a growing delay to let replication
// catch up; any other failure returns immediately.
package rpcexec

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/movillink/sync_layer/internal/metrics"
	"github.com/movillink/sync_layer/internal/normalize"
	"github.com/movillink/sync_layer/internal/outcome"
)

const (
	// DefaultBaseDelay is the unit backoff: attempt i waits (i+1) units.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxAttempts bounds the retry loop.
	DefaultMaxAttempts = 3
)

// defaultTransientSignatures mark a failure detail as a dependency-not-yet-
// visible rejection. Matching is case-insensitive substring.
var defaultTransientSignatures = []string{
	"foreign key",
	"is not present in table",
	"no disponible",
}

// Op performs one attempt of a remote operation and returns the raw
// response bytes.
type Op func(ctx context.Context) ([]byte, error)

// Executor runs remote operations through the normalizer with retry.
type Executor struct {
	norm        *normalize.Normalizer
	baseDelay   time.Duration
	maxAttempts int
	signatures  []string
	log         *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithBaseDelay overrides the unit backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) { e.baseDelay = d }
}

// WithMaxAttempts overrides the attempt bound.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) { e.maxAttempts = n }
}

// WithTransientSignatures replaces the transient failure signatures.
func WithTransientSignatures(sigs []string) Option {
	return func(e *Executor) { e.signatures = sigs }
}

// WithNormalizer overrides the response normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(e *Executor) { e.norm = n }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		norm:        normalize.New(),
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		signatures:  defaultTransientSignatures,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs op with the configured attempt bound.
func (e *Executor) Execute(ctx context.Context, name string, op Op) outcome.Result {
	return e.ExecuteAttempts(ctx, name, op, e.maxAttempts)
}

// ExecuteAttempts runs op up to maxAttempts times. Before every attempt,
// including the first, it waits baseDelay*(attempt+1) so backend replication
// can catch up. Success and unknown-shape results return immediately; a
// failure matching a transient signature consumes one attempt; any other
// failure returns immediately. Exhaustion returns the last transient
// failure observed.
func (e *Executor) ExecuteAttempts(ctx context.Context, name string, op Op, maxAttempts int) outcome.Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last outcome.Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		delay := time.Duration(attempt+1) * e.baseDelay
		select {
		case <-ctx.Done():
			return outcome.FailResult(outcome.KindBackend, ctx.Err().Error())
		case <-time.After(delay):
		}

		raw, err := op(ctx)
		var res outcome.Result
		if err != nil {
			res = outcome.FailResult(outcome.KindBackend, err.Error())
		} else {
			res = e.norm.Normalize(raw)
		}

		if !res.Failed() {
			metrics.RPCAttempts.WithLabelValues(name, res.State().String()).Inc()
			return res
		}
		metrics.RPCAttempts.WithLabelValues(name, "failure").Inc()

		if !e.isTransient(res.Detail()) {
			return res
		}

		// Re-kind so exhausted retries surface with the right taxonomy.
		last = outcome.FailResult(outcome.KindTransientReferential, res.Detail())
		if attempt < maxAttempts-1 {
			metrics.RPCRetries.WithLabelValues(name).Inc()
			e.log.Warn("transient referential failure, retrying",
				zap.String("op", name),
				zap.Int("attempt", attempt+1),
				zap.String("detail", res.Detail()))
		}
	}

	e.log.Warn("attempts exhausted on transient referential failure",
		zap.String("op", name),
		zap.Int("attempts", maxAttempts),
		zap.String("detail", last.Detail()))
	return last
}

// ExecuteOnce runs op a single time with no artificial delay; the result is
// normalized but never retried. Status transitions use this path: once the
// target row exists its lookups are immediately consistent.
func (e *Executor) ExecuteOnce(ctx context.Context, name string, op Op) outcome.Result {
	raw, err := op(ctx)
	var res outcome.Result
	if err != nil {
		res = outcome.FailResult(outcome.KindBackend, err.Error())
	} else {
		res = e.norm.Normalize(raw)
	}
	disposition := res.State().String()
	if res.Failed() {
		disposition = "failure"
	}
	metrics.RPCAttempts.WithLabelValues(name, disposition).Inc()
	return res
}

func (e *Executor) isTransient(detail string) bool {
	lower := strings.ToLower(detail)
	for _, sig := range e.signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
