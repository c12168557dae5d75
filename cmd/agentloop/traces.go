package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/circuitpilot/agentloop/features/trace/sqlite"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

func newTracesCmd(g *globals) *cobra.Command {
	var (
		db    string
		limit int
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "traces [trace-id]",
		Short: "List stored traces or show the spans of one trace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := g.context(cmd.Context())
			store, err := sqlite.Open(db)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()
			if prune > 0 {
				n, err := store.Cleanup(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d spans older than %s\n", n, prune)
				return nil
			}
			if len(args) == 1 {
				return showTrace(ctx, out, store, args[0])
			}
			return listTraces(ctx, out, store, limit)
		},
	}
	cmd.Flags().StringVar(&db, "trace-db", defaultTraceDB(), "SQLite span store")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of traces to list")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete spans older than this and exit")
	return cmd
}

func listTraces(ctx context.Context, out io.Writer, store *sqlite.Store, limit int) error {
	traces, err := store.RecentTraces(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACE\tSTARTED\tSPANS\tERRORS")
	for _, t := range traces {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", t.TraceID, t.StartedAt.Local().Format(time.DateTime), t.Spans, t.Errors)
	}
	return tw.Flush()
}

// showTrace prints the spans of a trace as a tree.
func showTrace(ctx context.Context, out io.Writer, store *sqlite.Store, traceID string) error {
	spans, err := store.ListTrace(ctx, traceID)
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		return fmt.Errorf("trace %s not found", traceID)
	}
	depth := make(map[string]int, len(spans))
	for _, sp := range spans {
		d := 0
		if p, ok := depth[sp.ParentSpanID]; ok {
			d = p + 1
		}
		depth[sp.SpanID] = d
		fmt.Fprintf(out, "%s%s [%s]%s\n", strings.Repeat("  ", d), sp.Name, sp.Status, spanDetail(sp))
	}
	return nil
}

func spanDetail(sp telemetry.SpanEvent) string {
	var b strings.Builder
	if !sp.EndedAt.IsZero() {
		fmt.Fprintf(&b, " %s", sp.EndedAt.Sub(sp.StartedAt).Round(time.Millisecond))
	}
	if tool, ok := sp.Input["tool"]; ok {
		fmt.Fprintf(&b, " tool=%v", tool)
	}
	if ev, ok := sp.Input["event"]; ok {
		fmt.Fprintf(&b, " event=%v", ev)
	}
	if sp.Error != "" {
		fmt.Fprintf(&b, " error=%q", sp.Error)
	}
	return b.String()
}
