package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/go-reid/reid/config"
)

// OptimizationState couples one optimizer with one learning-rate schedule.
//
// The optimizer's moment buffers and the global step counter live as context
// variables (under the optimizers scope), so they serialize with every
// checkpoint and survive a resume without special handling. The schedule is a
// pure function of the epoch, re-applied at every epoch boundary.
type OptimizationState struct {
	ctx       *context.Context
	optimizer optimizers.Interface
	scheduler Scheduler
	current   float64
}

// NewOptimizationState builds the optimizer named by cfg.Train.Optimizer and
// the configured schedule. ctx must be the engine's root context.
func NewOptimizationState(ctx *context.Context, cfg *config.Config) (*OptimizationState, error) {
	scheduler, err := SchedulerFromConfig(&cfg.Train)
	if err != nil {
		return nil, err
	}
	if _, found := optimizers.KnownOptimizers[cfg.Train.Optimizer]; !found {
		return nil, errors.Errorf("unknown optimizer %q", cfg.Train.Optimizer)
	}
	ctx.SetParam(optimizers.ParamOptimizer, cfg.Train.Optimizer)
	ctx.SetParam(optimizers.ParamLearningRate, cfg.Train.LearningRate)
	return &OptimizationState{
		ctx:       ctx,
		optimizer: optimizers.FromContext(ctx),
		scheduler: scheduler,
		current:   cfg.Train.LearningRate,
	}, nil
}

// UpdateGraph builds the optimizer step for loss into the training graph:
// gradients of all trainable variables plus the weight updates. Frozen
// variables (SetTrainable(false)) are excluded from the update entirely.
func (o *OptimizationState) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	o.optimizer.UpdateGraph(ctx, g, loss)
}

// ApplyEpoch advances the schedule to the given zero-based epoch, updating
// the live learning-rate variable. Called once per epoch, never per
// iteration.
func (o *OptimizationState) ApplyEpoch(epoch int) {
	lr := o.scheduler.LearningRate(epoch)
	o.current = lr
	o.ctx.SetParam(optimizers.ParamLearningRate, lr)
	// The optimizer reads the rate from a variable once it has run at least
	// one step; keep it in sync so the change takes effect without a graph
	// rebuild.
	lrVar := o.ctx.InspectVariable("/"+optimizers.Scope, optimizers.ParamLearningRate)
	if lrVar != nil {
		lrVar.SetValue(tensors.FromScalar(float32(lr)))
	}
}

// LearningRate reports the rate currently in effect.
func (o *OptimizationState) LearningRate() float64 { return o.current }

// GlobalStep reports the total number of optimizer steps taken, across
// resumes.
func (o *OptimizationState) GlobalStep() int64 {
	return optimizers.GetGlobalStep(o.ctx)
}

// Scheduler exposes the configured schedule, mostly for logging.
func (o *OptimizationState) Scheduler() Scheduler { return o.scheduler }
