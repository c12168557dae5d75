package main

import (
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/circuitpilot/agentloop/features/stream/pulse"
	clientspulse "github.com/circuitpilot/agentloop/features/stream/pulse/clients/pulse"
	"github.com/circuitpilot/agentloop/runtime/agent/stream"
)

func newTailCmd(g *globals) *cobra.Command {
	var (
		addr      string
		fromStart bool
	)
	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Print the stream events published by a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := g.context(cmd.Context())
			rdb := redis.NewClient(&redis.Options{Addr: addr})
			defer func() { _ = rdb.Close() }()
			cli, err := clientspulse.New(clientspulse.Options{Redis: rdb})
			if err != nil {
				return err
			}
			if err := cli.Ping(ctx); err != nil {
				return fmt.Errorf("redis %s: %w", addr, err)
			}
			sub, err := pulse.NewSubscriber(pulse.SubscriberOptions{Client: cli, SinkName: "agentloop_tail"})
			if err != nil {
				return err
			}
			var opts []streamopts.Sink
			if fromStart {
				opts = append(opts, streamopts.WithSinkStartAtOldest())
			}
			events, errs, stop, err := sub.Subscribe(ctx, pulse.StreamID(args[0]), opts...)
			if err != nil {
				return err
			}
			defer stop()
			out := cmd.OutOrStdout()
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					fmt.Fprintln(out, formatEvent(ev))
				case err, ok := <-errs:
					if ok {
						return err
					}
					errs = nil
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "redis", "localhost:6379", "Redis address")
	cmd.Flags().BoolVar(&fromStart, "from-start", true, "replay events published before the tail started")
	return cmd
}

func formatEvent(ev stream.Event) string {
	raw, _ := ev.Payload.(json.RawMessage)
	switch ev.Type {
	case stream.EventContentDelta, stream.EventReasoningDelta:
		var d stream.DeltaPayload
		if json.Unmarshal(raw, &d) == nil {
			return fmt.Sprintf("%s %q", ev.Type, d.Text)
		}
	case stream.EventTransition:
		var t stream.TransitionPayload
		if json.Unmarshal(raw, &t) == nil {
			return fmt.Sprintf("transition %s: %s -> %s (iteration %d)", t.Event, t.From, t.To, t.Iteration)
		}
	}
	return fmt.Sprintf("%s %s", ev.Type, raw)
}
