// Package backend defines the narrow surface the synchronization layer
// needs from the remote platform: row reads and writes, remote procedure
// calls, and a change feed. Production code uses the Supabase-backed
// implementation; tests use the in-memory one.
package backend

import "context"

// Filter restricts a query to rows matching a column condition.
type Filter struct {
	Column string
	Op     string // "eq" or "is"
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: "eq", Value: value}
}

// Is builds an IS filter (NULL, TRUE, FALSE).
func Is(column string, value any) Filter {
	return Filter{Column: column, Op: "is", Value: value}
}

// Query describes a read against a table or view.
type Query struct {
	Table      string
	Columns    string // empty means all columns
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
	// Single expects exactly one row and returns it as an object
	// rather than a one-element array.
	Single bool
}

// Store reads and writes rows. All results are raw JSON so callers can
// decode into their own row types.
type Store interface {
	Select(ctx context.Context, q Query) ([]byte, error)
	Insert(ctx context.Context, table string, record any) ([]byte, error)
	Update(ctx context.Context, table string, fields map[string]any, filters ...Filter) ([]byte, error)
	Delete(ctx context.Context, table string, filters ...Filter) ([]byte, error)
}

// Caller invokes remote procedures. The response body is returned as-is,
// error responses included, so the caller's normalizer can classify it.
// The error return covers transport failures only.
type Caller interface {
	CallRPC(ctx context.Context, fn string, params map[string]any) ([]byte, error)
}

// Subscription is a live change-feed registration.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// ChangeFeed delivers row-level change notifications. The payload is the
// raw event body; subscribers treat it as a hint to reload, not as data.
type ChangeFeed interface {
	SubscribeChanges(ctx context.Context, table, filter string, fn func(payload []byte)) (Subscription, error)
}

// Backend is the full platform surface.
type Backend interface {
	Store
	Caller
	ChangeFeed
}
