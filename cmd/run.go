package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"levelctl/internal/config"
	"levelctl/internal/registry"
	"levelctl/internal/reporting"
	"levelctl/internal/runlevel"
	"levelctl/internal/sched"
	"levelctl/pkg/logging"
)

type runOptions struct {
	configPath string
	level      int
	levelSet   bool
	floor      int
	hold       bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ascend the configured topology to a run level",
		Long: `run loads the topology, ascends to the target level, and reports
progress. With --hold it then waits for an interrupt before descending to
the floor level and exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.levelSet = cmd.Flags().Changed("level")
			return runRun(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the topology config file")
	cmd.Flags().IntVarP(&opts.level, "level", "l", 0, "target run level (default from config)")
	cmd.Flags().IntVar(&opts.floor, "floor", 0, "level to descend to before exiting")
	cmd.Flags().BoolVar(&opts.hold, "hold", false, "stay at the target level until interrupted")

	return cmd
}

func runRun(opts *runOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	logging.Init(cfg.Orchestrator.LogFormat, cfg.Orchestrator.LogLevel, os.Stderr)

	target := cfg.Orchestrator.DefaultLevel
	if opts.levelSet {
		target = opts.level
	}

	reg := registry.New()
	if err := buildTopology(reg, cfg.Services); err != nil {
		return err
	}

	workers := cfg.Orchestrator.MaxThreads
	if workers < 2 {
		workers = 2
	}
	pool := sched.NewPool(workers + 2)
	defer pool.Stop()

	orch := runlevel.New(reg, pool, sched.NewTimer(), runlevel.Config{
		MaxThreads:    cfg.Orchestrator.MaxThreads,
		UseThreads:    cfg.Orchestrator.UseThreads,
		CancelTimeout: cfg.Orchestrator.CancelTimeout.Std(),
		InitialLevel:  cfg.Orchestrator.InitialLevel,
	})

	bridge := reporting.NewBridge(reporting.NewConsoleReporter())
	orch.RegisterListener(bridge)
	orch.RegisterProgressStartedListener(bridge)

	if err := transition(orch, target); err != nil {
		return fmt.Errorf("ascent to level %d failed: %w", target, err)
	}
	logging.Info("CLI", "topology is at level %d", orch.Current())

	if opts.hold {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		signal.Stop(sigCh)
		logging.Info("CLI", "interrupt received, descending to level %d", opts.floor)
	}

	if err := transition(orch, opts.floor); err != nil {
		return fmt.Errorf("descent to level %d failed: %w", opts.floor, err)
	}
	logging.Info("CLI", "topology settled at level %d", orch.Current())
	return nil
}

// transition submits a level and waits it out, re-waiting when the job is
// repurposed by a listener.
func transition(orch *runlevel.Orchestrator, level int) error {
	job, err := orch.Submit(level)
	if err != nil {
		return err
	}
	for {
		err := job.Wait(0)
		if errors.Is(err, runlevel.ErrRepurposed) {
			continue
		}
		return err
	}
}

// buildTopology registers one simulated service per definition. Start
// resolves declared dependencies, then sleeps out its configured delay
// while honoring hard cancellation.
func buildTopology(reg *registry.Registry, defs []config.ServiceDefinition) error {
	for _, def := range defs {
		def := def
		_, err := reg.Register(registry.ServiceSpec{
			Name:      def.Name,
			Scope:     registry.ScopeRunLevel,
			Level:     def.Level,
			DependsOn: def.DependsOn,
			Start: func(actx registry.ActivationContext) (any, error) {
				for _, dep := range def.DependsOn {
					if _, err := actx.Resolve(dep); err != nil {
						return nil, fmt.Errorf("dependency %s: %w", dep, err)
					}
				}
				if def.FailStart {
					return nil, fmt.Errorf("service %s is configured to fail", def.Name)
				}
				if d := def.StartDelay.Std(); d > 0 {
					select {
					case <-time.After(d):
					case <-actx.Context().Done():
						return nil, actx.Context().Err()
					}
				}
				logging.Info("Service", "%s is up (level %d)", def.Name, def.Level)
				return def.Name, nil
			},
			Stop: func(any) error {
				if d := def.StopDelay.Std(); d > 0 {
					time.Sleep(d)
				}
				logging.Info("Service", "%s is down", def.Name)
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
