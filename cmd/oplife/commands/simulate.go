package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingetstudio/oplife/pkg/activity"
	"github.com/wingetstudio/oplife/pkg/broadcast"
	"github.com/wingetstudio/oplife/pkg/config"
	"github.com/wingetstudio/oplife/pkg/engine"
	"github.com/wingetstudio/oplife/pkg/notification"
	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/policy"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

func newSimulateCommand() *cobra.Command {
	var (
		operations int
		steps      int
		interval   time.Duration
		failRate   float64
		setName    string
		rounds     int
		seed       uint64
		serve      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run simulated operations through the lifecycle engine",
		Long: `Run simulated operations through the scheduler and print the global
activity summary and the notifications they produce.

Each operation reports progress in steps. Some fail permanently, some fail
once with a retryable error and some report no percent at all, according to
the simulation section of the configuration.`,
		Example: `  # Five operations with the default policy set
  oplife simulate

  # Background operations, metrics on :9090, reload policy files between rounds
  oplife simulate --set background --metrics --watch --rounds 10 -c oplife.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("operations") {
				cfg.Simulation.Operations = operations
			}
			if flags.Changed("steps") {
				cfg.Simulation.Steps = steps
			}
			if flags.Changed("interval") {
				cfg.Simulation.StepInterval = interval
			}
			if flags.Changed("failure-rate") {
				cfg.Simulation.FailureRate = failRate
			}
			if flags.Changed("set") {
				cfg.Policies.DefaultSet = setName
			}
			if serve {
				cfg.Telemetry.Metrics.Enabled = true
			}
			if watch {
				cfg.Policies.Watch = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if rounds < 1 {
				return errors.New("--rounds must be at least 1")
			}

			return runSimulation(cmd.Context(), cmd.OutOrStdout(), cfg, rounds, seed, serve)
		},
	}

	cmd.Flags().IntVarP(&operations, "operations", "n", 0, "number of operations per round")
	cmd.Flags().IntVar(&steps, "steps", 0, "progress steps per operation")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between progress steps")
	cmd.Flags().Float64Var(&failRate, "failure-rate", 0, "probability that an operation fails")
	cmd.Flags().StringVar(&setName, "set", "", "policy set applied to every operation")
	cmd.Flags().IntVar(&rounds, "rounds", 1, "number of simulation rounds")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&serve, "metrics", false, "serve Prometheus metrics while simulating")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload policy files when they change")

	return cmd
}

func runSimulation(ctx context.Context, out io.Writer, cfg *config.Config, rounds int, seed uint64, serve bool) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.NewComponentLogger("simulate")

	if serve {
		srv := tel.Metrics.StartMetricsServer(func(err error) {
			logger.WithError(err).Error("Metrics server failed")
		})
		if srv != nil {
			defer srv.Close()
			logger.Infof("Serving metrics on %s%s", cfg.Telemetry.Metrics.ListenAddress, cfg.Telemetry.Metrics.Path)
		}
	}

	registry, stopWatching, err := loadPolicySets(ctx, cfg, tel.Logger)
	if err != nil {
		return err
	}
	defer stopWatching()

	target, err := notification.ParseTarget(cfg.Notifications.Target)
	if err != nil {
		return err
	}

	channel := broadcast.NewChannel(
		broadcast.WithLogger(tel.Logger.Zerolog()),
		broadcast.WithMetrics(tel.Metrics),
	)
	aggregator := activity.NewAggregator(
		activity.WithLogger(tel.Logger.Zerolog()),
		activity.WithMetrics(tel.Metrics),
	)
	defer aggregator.Attach(channel)()

	center := notification.NewCenter(
		notification.WithLogger(tel.Logger.Zerolog()),
		notification.WithMetrics(tel.Metrics),
		notification.WithDefaultDuration(cfg.Notifications.DefaultDuration),
	)
	defer center.Close()

	p := &printer{out: out, json: jsonOutput}
	defer aggregator.OnChange(p.activity)()
	defer center.Subscribe(notification.TargetAll, p.notification)()

	scheduler := engine.NewScheduler(
		engine.WithMaxParallel(cfg.Scheduler.MaxParallel),
		engine.WithRetryBackoff(cfg.Scheduler.RetryBaseDelay, cfg.Scheduler.RetryMaxDelay),
		engine.WithPublisher(channel),
		engine.WithEvaluator(policy.NewEvaluator(
			policy.WithLogger(tel.Logger.Zerolog()),
			policy.WithMetrics(tel.Metrics),
			policy.WithTracer(tel.Tracer),
		)),
		engine.WithNotifications(center),
		engine.WithMetrics(tel.Metrics),
		engine.WithTracer(tel.Tracer),
		engine.WithLogger(tel.Logger),
	)

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			break
		}

		opts, err := registry.Get(cfg.Policies.DefaultSet)
		if err != nil {
			return err
		}

		section := telemetry.StartInstrumented(ctx, "simulate.round")
		jobs := simulatedJobs(cfg, opts, rng, round)
		results := scheduler.Run(section.Ctx, jobs)
		section.End(nil)
		if err := tel.Flush(ctx); err != nil {
			logger.WithError(err).Warn("Failed to flush spans")
		}

		for _, r := range results {
			if r.Outcome.IsSuccess() {
				n := operation.NewNotification(r.Snapshot.Properties).WithDuration(cfg.Notifications.DefaultDuration)
				center.ShowOperation(n, target)
			}
		}

		p.summary(round, results)
	}

	return nil
}

// loadPolicySets builds the registry from the configured paths and, when
// watching, keeps it current. The returned func stops the watcher.
func loadPolicySets(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Registry, func(), error) {
	registry := policy.NewRegistry()
	noop := func() {}

	if len(cfg.Policies.Paths) == 0 {
		return registry, noop, nil
	}

	loaderLogger := logger.NewComponentLogger("policy-loader")
	loader := policy.NewLoader(loaderLogger.Zerolog())
	sets, err := loader.LoadFromPaths(ctx, cfg.Policies.Paths)
	if err != nil {
		return nil, nil, err
	}
	registry.Replace(sets)

	if !cfg.Policies.Watch {
		return registry, noop, nil
	}

	err = loader.Watch(ctx, cfg.Policies.Paths, func(sets map[string]policy.ExecutionOptions) error {
		registry.Replace(sets)
		loaderLogger.Infof("Reloaded %d policy sets", len(sets))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return registry, func() {
		if err := loader.StopWatching(); err != nil {
			loaderLogger.WithError(err).Warn("Failed to stop policy watcher")
		}
	}, nil
}

var simulatedKinds = []string{"install", "update", "uninstall"}

// simulatedJobs decides every random choice up front so a seed reproduces
// a round exactly.
func simulatedJobs(cfg *config.Config, opts policy.ExecutionOptions, rng *rand.Rand, round int) []engine.Job {
	sim := cfg.Simulation
	jobs := make([]engine.Job, sim.Operations)

	for i := range jobs {
		kind := simulatedKinds[i%len(simulatedKinds)]
		failAt := 0
		if rng.Float64() < sim.FailureRate {
			failAt = 1 + rng.IntN(sim.Steps)
		}
		flaky := rng.Float64() < sim.FailureRate
		indeterminate := rng.Float64() < sim.IndeterminateRate

		jobs[i] = engine.Job{
			Kind:       kind,
			Title:      fmt.Sprintf("%s package-%d.%d", kind, round, i+1),
			Options:    opts,
			MaxRetries: cfg.Scheduler.MaxRetries,
			Timeout:    cfg.Scheduler.Timeout,
			Work:       simulatedWork(sim.Steps, sim.StepInterval, failAt, flaky, indeterminate),
		}
	}
	return jobs
}

func simulatedWork(steps int, interval time.Duration, failAt int, flaky, indeterminate bool) engine.Work {
	return func(ctx context.Context, r *engine.Reporter) error {
		if flaky && r.Attempt() == 1 {
			return engine.NewTransientError("mirror unavailable", nil)
		}

		for step := 1; step <= steps; step++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}

			msg := fmt.Sprintf("Step %d of %d", step, steps)
			if indeterminate {
				r.Indeterminate(msg)
			} else {
				r.Progress(step*100/steps, msg)
			}

			if step == failAt {
				return fmt.Errorf("simulated failure at step %d", step)
			}
		}
		return nil
	}
}

// printer serializes output from the aggregator, the notification center
// and the summary.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func (p *printer) emit(record map[string]interface{}, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(p.out).Encode(record)
		return
	}
	fmt.Fprintln(p.out, text)
}

func (p *printer) activity(version uint64, g activity.GlobalActivity) {
	text := fmt.Sprintf("[activity v%d] idle", version)
	switch {
	case g.Idle():
	case g.Percent != nil:
		text = fmt.Sprintf("[activity v%d] %3d%% (%d running)", version, *g.Percent, g.InProgressCount)
	default:
		text = fmt.Sprintf("[activity v%d] busy (%d running)", version, g.InProgressCount)
	}

	p.emit(map[string]interface{}{
		"event":       "activity",
		"version":     version,
		"percent":     g.Percent,
		"in_progress": g.InProgressCount,
	}, text)
}

func (p *printer) notification(e notification.Event) {
	text := fmt.Sprintf("[notification %s] %s: %s", e.Type, e.Message.Severity, e.Message.Title)
	if e.Message.Text != "" {
		text += " - " + e.Message.Text
	}
	if e.Type == notification.EventDismissed {
		text += fmt.Sprintf(" (%s)", e.Reason)
	}

	p.emit(map[string]interface{}{
		"event":    "notification",
		"type":     e.Type,
		"id":       e.Message.ID,
		"title":    e.Message.Title,
		"text":     e.Message.Text,
		"severity": e.Message.Severity,
		"reason":   e.Reason,
	}, text)
}

func (p *printer) summary(round int, results []engine.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		enc := json.NewEncoder(p.out)
		for _, r := range results {
			record := map[string]interface{}{
				"event":  "result",
				"round":  round,
				"result": r,
			}
			if r.Err != nil {
				record["error"] = r.Err.Error()
			}
			_ = enc.Encode(record)
		}
		return
	}

	fmt.Fprintf(p.out, "\nRound %d\n", round)
	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tKIND\tOUTCOME\tSTATUS\tSEVERITY\tATTEMPTS\tDURATION")
	for _, r := range results {
		props := r.Snapshot.Properties
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.OperationID[:8], r.Kind, r.Outcome, props.Status, props.Severity,
			r.Attempts, r.Duration.Round(time.Millisecond))
	}
	_ = w.Flush()
}
