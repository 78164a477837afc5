package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/unixpickle/essentials"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/env"
	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/execution"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
	"github.com/determined-ai/determined-sub004/srcs/go/plan"
	"github.com/determined-ai/determined-sub004/srcs/go/utils"
)

// Main runs the trainer with the given command line.
func Main(args []string) error {
	root := newRootCmd(viper.New())
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "kungfu-fake-trainer",
		Short: "Run fake training steps on the KungFu fabric",
		Long: `kungfu-fake-trainer joins the job described by the KUNGFU_* environment
variables, runs a number of fake steps that allgather a loss value, and
stops early once the allocation is preempted.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if file := v.GetString("env_file"); file != "" {
				if err := godotenv.Load(file); err != nil {
					return fmt.Errorf("load %s: %w", file, err)
				}
			}
			if level := v.GetString("log_level"); level != "" {
				log.SetLevel(log.ParseLevel(level))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.ParseConfigFromEnv()
			if err != nil {
				return err
			}
			ctx, cancel := trapContext(cmd.Context())
			defer cancel()
			res, err := train(ctx, cfg, optionsFrom(v), log.Default())
			if err != nil {
				log.Errorf("training failed at rank %d: %v", cfg.Topology.Rank(), err)
				return err
			}
			log.Infof("finished %s, preempted: %t", utils.Pluralize(res.Steps, "step", "steps"), res.Preempted)
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("env-file", "", "load KUNGFU_* variables from this .env file")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	flags.Int("steps", 10, "number of fake steps")
	flags.Duration("step-time", 0, "time spent in each fake step")
	for _, name := range []string{"env-file", "log-level", "steps", "step-time"} {
		essentials.Must(v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)))
	}
	v.SetEnvPrefix("KUNGFU_TRAINER")
	v.AutomaticEnv()

	root.AddCommand(newSimulateCmd(v), &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), utils.BuildInfo())
		},
	})
	return root
}

func optionsFrom(v *viper.Viper) trainOptions {
	return trainOptions{
		Steps:    v.GetInt("steps"),
		StepTime: v.GetDuration("step_time"),
	}
}

func trapContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return utils.Trap(parent, func(sig os.Signal) {
		log.Warnf("%s received, stopping", sig)
	})
}

type simulateFlags struct {
	np        int
	localSize int
	mode      string
	masterURL string
}

func newSimulateCmd(v *viper.Viper) *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process cluster of workers over loopback",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgs, err := simulatedCluster(f)
			if err != nil {
				return err
			}
			ctx, cancel := trapContext(cmd.Context())
			defer cancel()
			opts := optionsFrom(v)
			results := make([]*result, f.np)
			d, err := utils.Measure(func() error {
				return execution.Par(f.np, func(i int) error {
					var err error
					results[i], err = train(ctx, cfgs[i], opts, log.Default())
					return err
				})
			})
			if err != nil {
				return err
			}
			log.Infof("%s finished %s, took %s", utils.Pluralize(f.np, "worker", "workers"), utils.Pluralize(results[0].Steps, "step", "steps"), d)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.np, "np", 4, "number of workers")
	cmd.Flags().IntVar(&f.localSize, "local-size", 2, "workers per simulated machine")
	cmd.Flags().StringVar(&f.mode, "preemption-mode", "", "WorkersAskChief, ChiefOnly or WorkersAskMaster")
	cmd.Flags().StringVar(&f.masterURL, "master", "", "master URL serving preemption signals")
	return cmd
}

// simulatedCluster lays out f.np workers on machines of f.localSize workers
// that all share this host.
func simulatedCluster(f simulateFlags) ([]*env.Config, error) {
	if f.np < 1 || f.localSize < 1 || f.np%f.localSize != 0 {
		return nil, &plan.ConfigError{Reason: fmt.Sprintf("%d workers can't be split into machines of %d", f.np, f.localSize)}
	}
	allocationID := fmt.Sprintf("simulate-%d", os.Getpid())
	cfgs := make([]*env.Config, f.np)
	for rank := range cfgs {
		t, err := plan.NewTopology(plan.TopologySpec{
			Rank:         plan.IntPtr(rank),
			Size:         plan.IntPtr(f.np),
			LocalRank:    plan.IntPtr(rank % f.localSize),
			LocalSize:    plan.IntPtr(f.localSize),
			CrossRank:    plan.IntPtr(rank / f.localSize),
			CrossSize:    plan.IntPtr(f.np / f.localSize),
			ChiefAddress: plan.LoopbackAddr,
		})
		if err != nil {
			return nil, err
		}
		cfgs[rank] = &env.Config{
			Topology:       t,
			BroadcastPort:  env.DefaultBroadcastPort,
			GatherPort:     env.DefaultGatherPort,
			MasterURL:      f.masterURL,
			AllocationID:   allocationID,
			PreemptionMode: f.mode,
		}
	}
	return cfgs, nil
}
