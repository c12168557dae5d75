package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/circuitpilot/agentloop/features/stream/pulse/clients/pulse"
	"github.com/circuitpilot/agentloop/runtime/agent/stream"
)

// RunStreams shares one Pulse client between the publishing sink handed to
// the loop and the subscribers that tail runs.
type RunStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// RunStreamsOptions configures NewRunStreams.
type RunStreamsOptions struct {
	// Client publishes and consumes. Required.
	Client clientspulse.Client
	// Sink overrides the publishing sink options. Its Client is ignored.
	Sink Options
}

// NewRunStreams returns the publishing and subscribing helpers for client.
func NewRunStreams(opts RunStreamsOptions) (*RunStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &RunStreams{sink: sink, client: opts.Client}, nil
}

// Sink returns the publishing sink.
func (r *RunStreams) Sink() stream.Sink {
	return r.sink
}

// Forward returns a forwarder publishing the events of runID.
func (r *RunStreams) Forward(runID string, opts ...stream.ForwarderOption) *stream.Forwarder {
	return stream.NewForwarder(runID, r.sink, opts...)
}

// NewSubscriber returns a subscriber on the shared client.
func (r *RunStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = r.client
	return NewSubscriber(opts)
}

// Close closes the sink and therefore the client. Cancel subscribers first.
func (r *RunStreams) Close(ctx context.Context) error {
	return r.sink.Close(ctx)
}
