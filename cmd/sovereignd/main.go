// sovereignd runs the sovereign control loop as a foreground daemon.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ark95x-sAn/n8n-sovereign/internal/artifact"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/config"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/learning"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/loop"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/metrics"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/scaling"
	"github.com/Ark95x-sAn/n8n-sovereign/internal/verify"
)

const version = "1.0.0"

var (
	cfgPath     string
	verbose     bool
	metricsAddr string
	statePath   string

	logLevel zap.AtomicLevel
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sovereignd",
	Short: "Sovereign loop daemon",
	Long: `sovereignd runs the perpetual sovereign control loop: every tick it
verifies the runtime snapshot through the staged gate, adjusts the capacity
scale from recent outcomes, emits workflow artifacts once confidence and
scale thresholds are met, and folds the result into the pattern model.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		logLevel = zcfg.Level
		if verbose {
			logLevel.SetLevel(zap.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the control loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if cfgPath != "" {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		}
		applyFlagOverrides(cmd, &cfg)

		if !verbose {
			if lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level); err == nil {
				logLevel.SetLevel(lvl.Level())
			}
		}

		loopCfg, err := cfg.LoopRunnerConfig()
		if err != nil {
			return err
		}

		gate := verify.New(verify.Config{
			Threshold:  cfg.Loop.ConfidenceThreshold,
			StageDepth: cfg.Loop.StageDepth,
			Strict:     cfg.Loop.Strict,
		})
		engine := scaling.New(scaling.Config{
			MaxScale:       cfg.Scaling.MaxScale,
			GrowthFactor:   cfg.Scaling.GrowthFactor,
			DecayFactor:    cfg.Scaling.DecayFactor,
			MinPassStreak:  cfg.Scaling.MinPassStreak,
			DecayOnFailure: cfg.Scaling.DecayOnFailure,
		})
		model := learning.New(learning.Config{
			Capacity:  cfg.Learning.Capacity,
			DecayRate: cfg.Learning.DecayRate,
		})
		if path := modelStatePath(cfg); path != "" {
			if err := model.LoadState(path); err == nil {
				logger.Info("model state restored",
					zap.String("path", path),
					zap.Int("patterns", model.PatternCount()))
			} else if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("model state not restored", zap.String("path", path), zap.Error(err))
			}
		}
		generator := artifact.NewDefault(cfg.Generator.SummaryInterval)
		collector := metrics.NewCollector()

		runner := loop.NewRunner(loop.RunnerConfig{
			Config:    loopCfg,
			Gate:      gate,
			Engine:    engine,
			Learner:   model,
			Generator: generator,
			Sink:      eventLogger(logger),
			Metrics:   collector,
			Logger:    logger,
		})

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", collector.Handler())
			go func() {
				logger.Info("metrics listener starting", zap.String("addr", metricsAddr))
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					logger.Warn("metrics listener stopped", zap.Error(err))
				}
			}()
		}

		if cfgPath != "" {
			stop, err := config.Watch(cfgPath, logger, func(fresh config.Config) {
				if lvl, err := zap.ParseAtomicLevel(fresh.Logging.Level); err == nil {
					logLevel.SetLevel(lvl.Level())
				}
			})
			if err != nil {
				logger.Warn("config watcher unavailable", zap.Error(err))
			} else {
				defer stop()
			}
		}

		if err := runner.Start(); err != nil {
			return err
		}

		waitForExit(runner)

		if path := modelStatePath(cfg); path != "" {
			if err := model.SaveState(path); err != nil {
				logger.Warn("model state not saved", zap.String("path", path), zap.Error(err))
			} else {
				logger.Info("model state saved", zap.String("path", path))
			}
		}

		return printSnapshot(runner.Snapshot())
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict [feature ...]",
	Short: "Score a feature set against a saved pattern model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if statePath == "" {
			return fmt.Errorf("--state is required for predict")
		}
		model := learning.New(learning.Config{})
		if err := model.LoadState(statePath); err != nil {
			return err
		}
		fmt.Printf("%.4f\n", model.Predict(args))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("sovereignd " + version)
	},
}

// applyFlagOverrides lets command-line flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("max-iterations") {
		v, _ := cmd.Flags().GetInt64("max-iterations")
		cfg.Loop.MaxIterations = v
	}
	if cmd.Flags().Changed("interval") {
		v, _ := cmd.Flags().GetDuration("interval")
		cfg.Loop.Interval = v.String()
	}
	if statePath != "" {
		cfg.Learning.StatePath = statePath
	}
}

func modelStatePath(cfg config.Config) string {
	return cfg.Learning.StatePath
}

// eventLogger adapts the runner's lifecycle events onto zap.
func eventLogger(l *zap.Logger) loop.Sink {
	return loop.SinkFunc(func(ev loop.Event) {
		switch ev.Type {
		case loop.EventError:
			l.Error("loop event",
				zap.String("event", string(ev.Type)),
				zap.Int64("iteration", ev.Iteration),
				zap.Error(ev.Err))
		case loop.EventTickFailed:
			l.Warn("loop event",
				zap.String("event", string(ev.Type)),
				zap.Int64("iteration", ev.Iteration),
				zap.String("message", ev.Message))
		default:
			l.Debug("loop event",
				zap.String("event", string(ev.Type)),
				zap.Int64("iteration", ev.Iteration))
		}
	})
}

// waitForExit blocks until the loop finishes on its own or a shutdown signal
// arrives. Signals stop the loop cleanly; a tick in progress always runs to
// completion.
func waitForExit(runner *loop.Runner) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case s := <-sig:
			logger.Info("signal received, stopping loop", zap.String("signal", s.String()))
			runner.Stop()
			return
		case <-poll.C:
			if !runner.Running() {
				return
			}
		}
	}
}

func printSnapshot(snap loop.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "path to the pattern model state file")

	runCmd.Flags().Int64("max-iterations", 0, "stop after this many iterations (0 = unbounded)")
	runCmd.Flags().Duration("interval", time.Second, "delay between ticks")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(runCmd, predictCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
