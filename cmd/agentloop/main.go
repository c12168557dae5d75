// Command agentloop drives the tool-calling loop against a scripted model and
// a small circuit-tuning tool set, and inspects the traces and streams the
// runs produce.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/circuitpilot/agentloop/runtime/agent/loop"
)

type globals struct {
	configPath string
	debug      bool
	json       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "agentloop",
		Short: "Run and inspect agentic tool-calling loops",
		Long: `agentloop runs a bounded model/tool loop with guardrails, graceful
finalization and cooperative cancellation. Spans are stored in SQLite or
MongoDB and stream events can be published to Pulse.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML loop configuration file")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logs")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "log in JSON even on a terminal")

	root.AddCommand(
		newRunCmd(g),
		newTracesCmd(g),
		newTailCmd(g),
		newConfigCmd(g),
	)
	return root
}

// context returns the logging context shared by every command.
func (g *globals) context(parent context.Context) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() && !g.json {
		format = log.FormatTerminal
	}
	ctx := log.Context(parent, log.WithFormat(format))
	if g.debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// loadConfig returns the configuration file contents, or the defaults when no
// file was given.
func (g *globals) loadConfig() (loop.Config, error) {
	if g.configPath == "" {
		return loop.DefaultConfig(), nil
	}
	return loop.LoadConfigFile(g.configPath)
}
