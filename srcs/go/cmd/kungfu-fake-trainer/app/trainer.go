package app

import (
	"context"
	"fmt"
	"time"

	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/env"
	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/preempt"
	"github.com/determined-ai/determined-sub004/srcs/go/kungfu/session"
	"github.com/determined-ai/determined-sub004/srcs/go/log"
)

type trainOptions struct {
	Steps    int
	StepTime time.Duration
}

type result struct {
	Steps     int
	Preempted bool
}

// fakeLoss decreases with the step; workers differ slightly.
func fakeLoss(rank, step int) float64 {
	return 1/float64(step+1) + 0.01*float64(rank)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// train runs opts.Steps fake steps, averaging the loss over all workers at
// each step and stopping early when the job is preempted.
func train(ctx context.Context, cfg *env.Config, opts trainOptions, logger *log.Logger) (*result, error) {
	mode, err := preempt.ParseMode(cfg.PreemptionMode)
	if err != nil {
		return nil, err
	}
	rank := cfg.Topology.Rank()
	logger = logger.With("rank", rank)
	sessCfg := session.FromEnv(cfg)
	sessCfg.Logger = logger
	sess, err := session.New(ctx, sessCfg)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var client *preempt.SignalClient
	if cfg.MasterURL != "" {
		client = preempt.NewSignalClient(cfg.MasterURL, cfg.AllocationID, rank)
	}
	pc := preempt.NewContext(preempt.Options{
		Mode:        mode,
		Rank:        rank,
		Broadcaster: sess.Global(),
		Client:      client,
		Logger:      logger,
	})
	pc.Start()
	defer pc.Close()

	for step := 0; step < opts.Steps; step++ {
		losses, err := session.AllGatherOf(sess.Global(), fakeLoss(rank, step))
		if err != nil {
			sess.SignalFailure()
			return &result{Steps: step}, err
		}
		if rank == 0 {
			logger.Infof("step %d: mean loss %.4f over %d workers", step, mean(losses), len(losses))
		}
		stop, err := shouldStop(sess, pc, mode, rank)
		if err != nil {
			return &result{Steps: step + 1}, err
		}
		if stop {
			logger.Infof("preempted after %d steps", step+1)
			return &result{Steps: step + 1, Preempted: true}, nil
		}
		select {
		case <-ctx.Done():
			return &result{Steps: step + 1}, ctx.Err()
		case <-time.After(opts.StepTime):
		}
	}
	return &result{Steps: opts.Steps}, nil
}

// shouldStop gives every worker the same answer. In ChiefOnly mode the
// chief distributes its own answer.
func shouldStop(sess *session.Session, pc *preempt.Context, mode preempt.Mode, rank int) (bool, error) {
	switch mode {
	case preempt.ChiefOnly:
		var stop bool
		if rank == 0 {
			var err error
			if stop, err = pc.ShouldPreempt(true); err != nil {
				return false, err
			}
		}
		return session.BroadcastOf(sess.Global(), stop)
	case preempt.WorkersAskMaster:
		stop, err := pc.ShouldPreempt(true)
		if err != nil {
			return false, err
		}
		// workers may learn at different steps; stop together once anyone knows
		votes, err := session.AllGatherOf(sess.Global(), stop)
		if err != nil {
			return false, err
		}
		for _, v := range votes {
			if v {
				return true, nil
			}
		}
		return false, nil
	default:
		stop, err := pc.ShouldPreempt(true)
		if err != nil {
			return false, fmt.Errorf("step check: %w", err)
		}
		return stop, nil
	}
}
