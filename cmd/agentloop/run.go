package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/circuitpilot/agentloop/features/stream/pulse"
	clientspulse "github.com/circuitpilot/agentloop/features/stream/pulse/clients/pulse"
	tracemongo "github.com/circuitpilot/agentloop/features/trace/mongo"
	clientsmongo "github.com/circuitpilot/agentloop/features/trace/mongo/clients/mongo"
	"github.com/circuitpilot/agentloop/features/trace/sqlite"
	"github.com/circuitpilot/agentloop/runtime/agent/cancel"
	"github.com/circuitpilot/agentloop/runtime/agent/guardrails"
	"github.com/circuitpilot/agentloop/runtime/agent/loop"
	"github.com/circuitpilot/agentloop/runtime/agent/model"
	"github.com/circuitpilot/agentloop/runtime/agent/reminder"
	"github.com/circuitpilot/agentloop/runtime/agent/statemachine"
	"github.com/circuitpilot/agentloop/runtime/agent/stream"
	"github.com/circuitpilot/agentloop/runtime/agent/telemetry"
)

const defaultPrompt = "Tune the inverting amplifier in amp.cir for more gain."

type runFlags struct {
	maxIterations int
	timeout       time.Duration
	toolTimeout   time.Duration
	parallel      int
	netlist       string
	delay         time.Duration
	traceDB       string
	mongoURI      string
	mongoDB       string
	redisAddr     string
	quiet         bool
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the loop against the scripted circuit-tuning model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, f, &cfg)
			prompt := defaultPrompt
			if len(args) == 1 {
				prompt = args[0]
			}
			return runLoop(g.context(cmd.Context()), cmd.OutOrStdout(), f, cfg, prompt)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "override max_iterations")
	fl.DurationVar(&f.timeout, "timeout", 0, "override overall_timeout")
	fl.DurationVar(&f.toolTimeout, "tool-timeout", 0, "override tool_timeout")
	fl.IntVar(&f.parallel, "parallel", 0, "override max_parallel_tools")
	fl.StringVar(&f.netlist, "netlist", "amp.cir", "netlist the scripted model tunes")
	fl.DurationVar(&f.delay, "delay", 30*time.Millisecond, "delay between streamed words")
	fl.StringVar(&f.traceDB, "trace-db", defaultTraceDB(), "SQLite span store, empty disables it")
	fl.StringVar(&f.mongoURI, "mongo-uri", "", "store spans in MongoDB instead of SQLite")
	fl.StringVar(&f.mongoDB, "mongo-db", "agentloop", "MongoDB database")
	fl.StringVar(&f.redisAddr, "redis", "", "publish stream events to Pulse on this Redis address")
	fl.BoolVar(&f.quiet, "quiet", false, "do not echo streamed content")
	return cmd
}

func applyRunFlags(cmd *cobra.Command, f *runFlags, cfg *loop.Config) {
	fl := cmd.Flags()
	if fl.Changed("max-iterations") {
		cfg.MaxIterations = f.maxIterations
	}
	if fl.Changed("timeout") {
		cfg.OverallTimeout = loop.Duration(f.timeout)
	}
	if fl.Changed("tool-timeout") {
		cfg.ToolTimeout = loop.Duration(f.toolTimeout)
	}
	if fl.Changed("parallel") {
		cfg.MaxParallelTools = f.parallel
	}
	if cfg.MetricDirections == nil {
		cfg.MetricDirections = map[string]guardrails.Direction{"gain_db": guardrails.HigherIsBetter}
	}
}

func runLoop(ctx context.Context, out io.Writer, f *runFlags, cfg loop.Config, prompt string) error {
	cfg.RunID = uuid.NewString()
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTelMetrics()

	b := newBench()
	reg, err := b.registry()
	if err != nil {
		return err
	}

	collector, closeStore, err := openCollector(ctx, f)
	if err != nil {
		return err
	}
	defer closeStore()
	var recorder *telemetry.Recorder
	if collector != nil {
		recorder = telemetry.NewRecorder(collector,
			telemetry.WithTracer(telemetry.NewOTelTracer()),
			telemetry.WithRecorderLogger(logger),
			telemetry.WithRecorderMetrics(metrics),
		)
		defer func() {
			if err := recorder.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "flush spans")
			}
		}()
	}

	observers := []model.StreamObserver{}
	if !f.quiet {
		observers = append(observers, &console{w: out})
	}
	var transitions statemachine.Observer
	if f.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		defer func() { _ = rdb.Close() }()
		cli, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 10000, OperationTimeout: 5 * time.Second})
		if err != nil {
			return err
		}
		if err := cli.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", f.redisAddr, err)
		}
		streams, err := pulse.NewRunStreams(pulse.RunStreamsOptions{Client: cli})
		if err != nil {
			return err
		}
		fwd := streams.Forward(cfg.RunID, stream.WithLogger(logger))
		defer func() {
			if err := fwd.Close(context.Background()); err != nil {
				log.Errorf(ctx, err, "flush stream events")
			}
			if n := fwd.Dropped(); n > 0 {
				log.Printf(ctx, "dropped %d stream events", n)
			}
			_ = streams.Close(context.Background())
		}()
		observers = append(observers, fwd)
		transitions = fwd
		log.Printf(ctx, "publishing to pulse stream %s", pulse.StreamID(cfg.RunID))
	}
	throttle := stream.NewThrottle(fanout(observers), 0)
	defer throttle.Close()

	token := cancel.New()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		select {
		case sig := <-sigc:
			log.Printf(ctx, "received %s, stopping run", sig)
			token.Trigger(cancel.ReasonUserRequested)
		case <-token.Done():
		}
	}()
	defer token.Trigger(cancel.ReasonShutdown)

	ctrl := loop.New(newScriptedModel(f.netlist, f.delay), reg,
		loop.WithLogger(logger),
		loop.WithMetrics(metrics),
		loop.WithRecorder(recorder),
		loop.WithStreamObserver(throttle),
		loop.WithTransitionObserver(transitions),
	)
	st, err := ctrl.Run(ctx, initialMessages(prompt), nil, token, cfg)
	throttle.Flush()
	if st != nil {
		printSummary(out, st)
	}
	return err
}

// initialMessages seeds the transcript. The system prompt explains the
// guardrail reminders injected into later requests.
func initialMessages(prompt string) []*model.Message {
	return []*model.Message{
		{Role: model.RoleSystem, Content: "You tune analog circuits with the netlist tools.\n\n" + reminder.Explanation},
		{Role: model.RoleUser, Content: prompt},
	}
}

// openCollector opens the span store selected by the flags. It returns a nil
// collector when tracing is disabled.
func openCollector(ctx context.Context, f *runFlags) (telemetry.Collector, func(), error) {
	switch {
	case f.mongoURI != "":
		mc, err := mongodriver.Connect(options.Client().ApplyURI(f.mongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() { _ = mc.Disconnect(context.Background()) }
		client, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: f.mongoDB})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		store, err := tracemongo.NewStore(client)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return store, closeFn, nil
	case f.traceDB != "":
		store, err := sqlite.Open(f.traceDB)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func printSummary(w io.Writer, st *loop.State) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "run %s: %s after %d iterations in %s\n", st.RunID, st.Status, st.Iteration, st.Duration().Round(time.Millisecond))
	if st.Finalized {
		fmt.Fprintln(w, "finalized: out of iterations or time")
	}
	if st.Status == statemachine.Cancelled {
		fmt.Fprintf(w, "cancelled: %s\n", st.CancelReason)
	}
	if st.FinalContent != "" {
		fmt.Fprintf(w, "answer: %s\n", st.FinalContent)
	}
	fmt.Fprintf(w, "tools: %d calls, tokens: %d in / %d out\n", len(st.ToolCallLog), st.Usage.InputTokens, st.Usage.OutputTokens)
	for _, e := range st.Errors {
		fmt.Fprintf(w, "  [%s] iteration %d %s: %s\n", e.Kind, e.Iteration, e.ToolName, strings.TrimSpace(e.Message))
	}
}

// console echoes streamed content.
type console struct {
	w io.Writer
}

func (c *console) OnDelta(d model.Delta) {
	if d.Kind == model.DeltaContent {
		fmt.Fprint(c.w, d.Text)
	}
}

func fanout(obs []model.StreamObserver) model.StreamObserver {
	return model.ObserverFunc(func(d model.Delta) {
		for _, o := range obs {
			o.OnDelta(d)
		}
	})
}

func defaultTraceDB() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "agentloop", "spans.db")
}
