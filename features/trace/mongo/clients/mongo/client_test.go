package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

func TestUpsertSetsSpanFields(t *testing.T) {
	coll := &fakeCollection{}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	start := time.Unix(10, 0)
	require.NoError(t, c.Upsert(context.Background(), telemetry.SpanEvent{
		TraceID: "t", SpanID: "s", ParentSpanID: "p", Name: "tool.execute",
		Phase: telemetry.PhaseStart, Status: telemetry.StatusRunning,
		Input: map[string]any{"tool": "simulate"}, StartedAt: start,
	}))
	require.NoError(t, c.Upsert(context.Background(), telemetry.SpanEvent{
		TraceID: "t", SpanID: "s", Name: "tool.execute",
		Phase: telemetry.PhaseEnd, Status: telemetry.StatusError, Error: "timeout",
		StartedAt: start, EndedAt: start.Add(time.Second),
	}))
	require.Len(t, coll.updates, 2)

	first := coll.updates[0]
	assert.Equal(t, bson.M{"span_id": "s"}, first.filter)
	set := first.update.(bson.M)["$set"].(bson.M)
	assert.Equal(t, "p", set["parent_span_id"])
	assert.Equal(t, map[string]any{"tool": "simulate"}, set["input"])
	assert.NotContains(t, set, "ended_at")

	closing := coll.updates[1].update.(bson.M)["$set"].(bson.M)
	assert.NotContains(t, closing, "input", "close keeps the recorded input")
	assert.NotContains(t, closing, "parent_span_id")
	assert.Equal(t, "timeout", closing["error"])
	assert.Equal(t, "end", closing["phase"])
	assert.Equal(t, start.Add(time.Second).UTC(), closing["ended_at"])
}

func TestUpsertRequiresIDs(t *testing.T) {
	c, err := newClientWithCollection(nil, &fakeCollection{}, time.Second)
	require.NoError(t, err)
	require.Error(t, c.Upsert(context.Background(), telemetry.SpanEvent{SpanID: "s"}))
}

func TestUpsertWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	c, err := newClientWithCollection(nil, &fakeCollection{err: boom}, time.Second)
	require.NoError(t, err)
	err = c.Upsert(context.Background(), telemetry.SpanEvent{TraceID: "t", SpanID: "s", Name: "run"})
	assert.ErrorIs(t, err, boom)
}

func TestListTraceDecodesCursor(t *testing.T) {
	coll := &fakeCollection{docs: []telemetry.SpanEvent{
		{TraceID: "t", SpanID: "a", Name: "run"},
		{TraceID: "t", SpanID: "b", ParentSpanID: "a", Name: "cycle"},
	}}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	spans, err := c.ListTrace(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "cycle", spans[1].Name)
	assert.Equal(t, bson.M{"trace_id": "t"}, coll.findFilter)

	_, err = c.ListTrace(context.Background(), "")
	require.Error(t, err)
}

func TestCleanupReturnsDeletedCount(t *testing.T) {
	coll := &fakeCollection{deleted: 3}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	n, err := c.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestEnsureIndexes(t *testing.T) {
	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Len(t, coll.indexes.models, 2)
	assert.Equal(t, bson.D{{Key: "span_id", Value: 1}}, coll.indexes.models[0].Keys)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Database: "db"})
	require.Error(t, err)
	_, err = newClientWithCollection(nil, nil, 0)
	require.Error(t, err)
}

type update struct {
	filter any
	update any
}

type fakeCollection struct {
	updates    []update
	docs       []telemetry.SpanEvent
	findFilter any
	deleted    int64
	err        error
	indexes    fakeIndexView
}

func (f *fakeCollection) UpdateOne(_ context.Context, filter, upd any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, update{filter: filter, update: upd})
	return &mongodriver.UpdateResult{}, nil
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.findFilter = filter
	return &fakeCursor{docs: f.docs, idx: -1}, nil
}

func (f *fakeCollection) DeleteMany(_ context.Context, _ any, _ ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mongodriver.DeleteResult{DeletedCount: f.deleted}, nil
}

func (f *fakeCollection) Indexes() indexView {
	return &f.indexes
}

type fakeIndexView struct {
	models []mongodriver.IndexModel
}

func (f *fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	f.models = append(f.models, model)
	return "idx", nil
}

type fakeCursor struct {
	docs []telemetry.SpanEvent
	idx  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	ev, ok := val.(*telemetry.SpanEvent)
	if !ok {
		return errors.New("unexpected decode target")
	}
	*ev = c.docs[c.idx]
	return nil
}

func (c *fakeCursor) Err() error                 { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }
