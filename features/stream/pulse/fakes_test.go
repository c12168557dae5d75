package pulse

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/circuitpilot/agentloop/features/stream/pulse/clients/pulse"
)

type added struct {
	stream  string
	event   string
	payload []byte
}

type fakeClient struct {
	mu         sync.Mutex
	streams    []string
	added      []added
	addErr     error
	sink       *fakeSink
	sinkNames  []string
	closeCount int
}

func (c *fakeClient) Name() string { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams = append(c.streams, name)
	return &fakeStream{client: c, name: name}, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

func (c *fakeClient) published() []added {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]added(nil), c.added...)
}

type fakeStream struct {
	client *fakeClient
	name   string
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.client.addErr != nil {
		return "", s.client.addErr
	}
	s.client.added = append(s.client.added, added{stream: s.name, event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	s.client.sinkNames = append(s.client.sinkNames, name)
	return s.client.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	events chan *streaming.Event
	ackErr error

	mu     sync.Mutex
	acked  []string
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.events }

func (s *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, ev.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}
