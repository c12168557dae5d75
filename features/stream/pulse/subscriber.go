package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/circuitpilot/agentloop/features/stream/pulse/clients/pulse"
	"github.com/circuitpilot/agentloop/runtime/agent/stream"
)

type (
	// Decoder converts a raw Pulse payload into a stream event.
	Decoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client consumes events. Required.
		Client clientspulse.Client
		// SinkName names the Pulse consumer group. Defaults to
		// "agentloop_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder defaults to decoding the JSON written by Sink. The payload of
		// decoded events is left as json.RawMessage.
		Decoder Decoder
	}

	// Subscriber reads run stream events from Pulse.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode Decoder
	}
)

// NewSubscriber returns a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{
		client: opts.Client,
		buffer: opts.Buffer,
		name:   opts.SinkName,
		decode: opts.Decoder,
	}
	if s.name == "" {
		s.name = "agentloop_subscriber"
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	if s.decode == nil {
		s.decode = decodeEvent
	}
	return s, nil
}

// Subscribe opens a consumer group on streamID. Events are acked once they
// have been delivered on the returned channel. The cancel function stops
// consumption and closes the group; both channels are closed when
// consumption ends.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode %s: %w", evt.ID, err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack %s: %w", evt.ID, err)
				return
			}
		}
	}
}

func decodeEvent(payload []byte) (stream.Event, error) {
	var env struct {
		stream.Event
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return stream.Event{}, err
	}
	ev := env.Event
	if len(env.Payload) > 0 {
		ev.Payload = env.Payload
	} else {
		ev.Payload = nil
	}
	return ev, nil
}
