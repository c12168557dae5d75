// Package pulse publishes run stream events to goa.design/pulse streams and
// reads them back. Services build a Redis client, wrap it with clients/pulse,
// and hand the resulting Sink to a stream.Forwarder.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/circuitpilot/agentloop/features/stream/pulse/clients/pulse"
	"github.com/circuitpilot/agentloop/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client publishes events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// StreamID(ev.RunID).
		StreamID func(stream.Event) (string, error)
		// OnPublished runs after each successful Add.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes an event written to Pulse.
	PublishedEvent struct {
		Event    stream.Event
		StreamID string
		EntryID  string
	}

	// Sink publishes stream events into Pulse. It is safe for concurrent use.
	Sink struct {
		client      pulse.Client
		streamID    func(stream.Event) (string, error)
		onPublished func(context.Context, PublishedEvent) error
	}
)

// StreamID returns the name of the Pulse stream carrying the events of runID.
func StreamID(runID string) string {
	return fmt.Sprintf("run/%s", runID)
}

// NewSink returns a Pulse-backed stream.Sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:      opts.Client,
		streamID:    defaultStreamID,
		onPublished: opts.OnPublished,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	return s, nil
}

// Send implements stream.Sink. The event is written as JSON under its type.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	id, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(id)
	if err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	entry, err := handle.Add(ctx, string(ev.Type), payload)
	if err != nil {
		return err
	}
	if s.onPublished != nil {
		return s.onPublished(ctx, PublishedEvent{Event: ev, StreamID: id, EntryID: entry})
	}
	return nil
}

// Close implements stream.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev stream.Event) (string, error) {
	if ev.RunID == "" {
		return "", errors.New("stream event missing run id")
	}
	return StreamID(ev.RunID), nil
}
