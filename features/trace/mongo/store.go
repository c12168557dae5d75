package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/circuitpilot/agentloop/features/trace/mongo/clients/mongo"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

// Store implements telemetry.Collector by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed span store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Collect implements telemetry.Collector.
func (s *Store) Collect(ctx context.Context, ev telemetry.SpanEvent) error {
	return s.client.Upsert(ctx, ev)
}

// ListTrace returns the spans of traceID in start order.
func (s *Store) ListTrace(ctx context.Context, traceID string) ([]telemetry.SpanEvent, error) {
	return s.client.ListTrace(ctx, traceID)
}

// Cleanup deletes spans started before cutoff.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.client.Cleanup(ctx, cutoff)
}
