package backend

import (
	"context"
	"fmt"

	"github.com/movillink/sync_layer/supabase"
)

// Supabase adapts the platform client to the Backend interface.
type Supabase struct {
	client   *supabase.Client
	realtime *supabase.RealtimeClient
}

// NewSupabase wraps a platform client. The realtime client may be nil when
// the caller never subscribes to changes.
func NewSupabase(client *supabase.Client, realtime *supabase.RealtimeClient) *Supabase {
	return &Supabase{client: client, realtime: realtime}
}

var _ Backend = (*Supabase)(nil)

func (s *Supabase) Select(ctx context.Context, q Query) ([]byte, error) {
	qb := s.client.From(q.Table)
	if q.Columns != "" {
		qb = qb.Select(q.Columns)
	}
	applyFilters(qb, q.Filters)
	if q.OrderBy != "" {
		qb = qb.Order(q.OrderBy, !q.Descending)
	}
	if q.Limit > 0 {
		qb = qb.Limit(q.Limit)
	}
	if q.Single {
		qb = qb.Single()
	}

	resp, err := qb.Execute(ctx)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	return resp.Body, nil
}

func (s *Supabase) Insert(ctx context.Context, table string, record any) ([]byte, error) {
	resp, err := s.client.From(table).ExecuteInsert(ctx, record)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return resp.Body, nil
}

func (s *Supabase) Update(ctx context.Context, table string, fields map[string]any, filters ...Filter) ([]byte, error) {
	qb := s.client.From(table)
	applyFilters(qb, filters)
	resp, err := qb.ExecuteUpdate(ctx, fields)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return resp.Body, nil
}

func (s *Supabase) Delete(ctx context.Context, table string, filters ...Filter) ([]byte, error) {
	qb := s.client.From(table)
	applyFilters(qb, filters)
	resp, err := qb.ExecuteDelete(ctx)
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("delete %s: %w", table, err)
	}
	return resp.Body, nil
}

func (s *Supabase) CallRPC(ctx context.Context, fn string, params map[string]any) ([]byte, error) {
	return s.client.RPC(ctx, fn, params)
}

func (s *Supabase) SubscribeChanges(ctx context.Context, table, filter string, fn func(payload []byte)) (Subscription, error) {
	if s.realtime == nil {
		return nil, fmt.Errorf("realtime client not configured")
	}
	cfg := supabase.ChangesConfig{Table: table, Filter: filter}
	ch, err := s.realtime.SubscribeToChanges(ctx, cfg, func(event *supabase.ChangeEvent) {
		fn(event.Payload)
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func applyFilters(qb *supabase.QueryBuilder, filters []Filter) {
	for _, f := range filters {
		switch f.Op {
		case "is":
			qb.Is(f.Column, f.Value)
		default:
			qb.Eq(f.Column, f.Value)
		}
	}
}
