// Package mongo implements the low-level MongoDB client used by the span
// store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

type (
	// Client exposes Mongo-backed operations for span events.
	Client interface {
		health.Pinger

		// Upsert writes ev into the document of its span.
		Upsert(ctx context.Context, ev telemetry.SpanEvent) error
		// ListTrace returns the spans of a trace in start order.
		ListTrace(ctx context.Context, traceID string) ([]telemetry.SpanEvent, error)
		// Cleanup deletes spans started before cutoff.
		Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}
)

const (
	defaultCollection = "agentloop_spans"
	defaultTimeout    = 5 * time.Second
	clientName        = "trace-mongo"
)

// New returns a Client backed by the provided MongoDB client. It creates the
// span indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Upsert(ctx context.Context, ev telemetry.SpanEvent) error {
	if ev.SpanID == "" || ev.TraceID == "" {
		return errors.New("span and trace ids are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.UpdateOne(ctx, bson.M{"span_id": ev.SpanID}, spanUpdate(ev), options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert span %s: %w", ev.Name, err)
	}
	return nil
}

func (c *client) ListTrace(ctx context.Context, traceID string) (spans []telemetry.SpanEvent, err error) {
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, bson.M{"trace_id": traceID}, options.Find().
		SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var ev telemetry.SpanEvent
		if err := cur.Decode(&ev); err != nil {
			return nil, err
		}
		spans = append(spans, ev)
	}
	return spans, cur.Err()
}

func (c *client) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.DeleteMany(ctx, bson.M{"started_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// spanUpdate sets the fields carried by ev. Close events carry no input, so
// the input recorded by the start event is kept.
func spanUpdate(ev telemetry.SpanEvent) bson.M {
	set := bson.M{
		"trace_id":   ev.TraceID,
		"name":       ev.Name,
		"phase":      string(ev.Phase),
		"status":     string(ev.Status),
		"started_at": ev.StartedAt.UTC(),
	}
	if ev.ParentSpanID != "" {
		set["parent_span_id"] = ev.ParentSpanID
	}
	if len(ev.Input) > 0 {
		set["input"] = ev.Input
	}
	if len(ev.Output) > 0 {
		set["output"] = ev.Output
	}
	if ev.Error != "" {
		set["error"] = ev.Error
	}
	if !ev.EndedAt.IsZero() {
		set["ended_at"] = ev.EndedAt.UTC()
	}
	return bson.M{"$set": set}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "span_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "trace_id", Value: 1}, {Key: "started_at", Value: 1}}},
	}
	for _, idx := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	view := c.coll.Indexes()
	return view
}
