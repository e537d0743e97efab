package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicheck/replicheck/log"
	"github.com/replicheck/replicheck/session"
)

// demo sync points, one per workload phase
const (
	pointIntegrate session.Point = iota
	pointSummary
)

var (
	instance  int32
	instances int
	rounds    int
	drift     float64
	transport string
	debug     bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "join a verification run with a built-in demo workload",
		Long: `run starts one instance of a small deterministic integrator and validates
its state against the other instances at every step. The coordinator endpoint
and transport come from the REPLICHECK_* environment. With a nonzero --drift
every instance except 0 accumulates an extra per-step error, which forces a
divergence and demonstrates the fail-fast path.`,
		Run: start,
	}
	cmd.Flags().Int32Var(&instance, "instance", 0, "instance id of this process, 0 hosts the coordinator")
	cmd.Flags().IntVar(&instances, "instances", 2, "total number of instances in the run")
	cmd.Flags().IntVar(&rounds, "rounds", 10, "workload steps to execute")
	cmd.Flags().Float64Var(&drift, "drift", 0, "extra per-step error on instances > 0")
	cmd.Flags().StringVar(&transport, "transport", "", "override REPLICHECK_TRANSPORT (tcp or shm)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	Command.AddCommand(cmd)
}

func start(cmd *cobra.Command, args []string) {
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	log.Setup(log.DefaultOptions().WithOutputEncoder(log.ConsoleOutputEncoder).WithLevel(level))
	logger := log.Global()

	cfg := session.FromEnv()
	if transport != "" {
		cfg.Transport = session.Transport(transport)
	}
	sess := session.New(cfg)
	if err := sess.Initialize(instance, instances); err != nil {
		logger.Fatalw("failed to initialize session", "err", err)
	}
	defer func() {
		if err := sess.Shutdown(); err != nil {
			logger.Warnf("shutdown failed: %v", err)
		}
	}()
	logger.Infof("instance %d joined run %s", instance, sess.RunID())

	x, v := 0.0, 1.0
	for step := 1; step <= rounds; step++ {
		if instance > 0 {
			v += drift
		}
		x += v * 0.01
		fp := fmt.Sprintf("step=%d x=%.9f v=%.9f", step, x, v)
		if err := sess.Validate(pointIntegrate, fp); err != nil {
			logger.Fatalw("validation failed", "step", step, "err", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := sess.Validate(pointSummary, fmt.Sprintf("rounds=%d x=%.9f", rounds, x)); err != nil {
		logger.Fatalw("validation failed", "err", err)
	}
	logger.Infof("completed %d step(s), state verified", rounds)
}
