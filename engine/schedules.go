package engine

import (
	"github.com/pkg/errors"

	"github.com/go-reid/reid/config"
)

// Scheduler computes the learning rate for a given epoch. Schedules are
// evaluated once per epoch boundary (never per iteration) by
// OptimizationState.ApplyEpoch; they are pure functions of the epoch so a
// resumed run lands on exactly the same rate it would have reached without
// the interruption.
type Scheduler interface {
	Name() string
	// LearningRate for the given zero-based epoch.
	LearningRate(epoch int) float64
}

// SingleStepSchedule decays the base rate by Gamma every StepSize epochs.
type SingleStepSchedule struct {
	Base     float64
	Gamma    float64
	StepSize int
}

func (s *SingleStepSchedule) Name() string { return "single_step" }

func (s *SingleStepSchedule) LearningRate(epoch int) float64 {
	lr := s.Base
	for drops := epoch / s.StepSize; drops > 0; drops-- {
		lr *= s.Gamma
	}
	return lr
}

// MultiStepSchedule decays the base rate by Gamma at each configured
// milestone epoch.
type MultiStepSchedule struct {
	Base       float64
	Gamma      float64
	Milestones []int
}

func (s *MultiStepSchedule) Name() string { return "multi_step" }

func (s *MultiStepSchedule) LearningRate(epoch int) float64 {
	lr := s.Base
	for _, milestone := range s.Milestones {
		if epoch >= milestone {
			lr *= s.Gamma
		}
	}
	return lr
}

// WarmupSchedule linearly ramps the rate from Base/Epochs up to the wrapped
// schedule's rate over the first Epochs epochs.
type WarmupSchedule struct {
	After  Scheduler
	Epochs int
}

func (s *WarmupSchedule) Name() string { return "warmup+" + s.After.Name() }

func (s *WarmupSchedule) LearningRate(epoch int) float64 {
	if epoch < s.Epochs {
		return s.After.LearningRate(epoch) * float64(epoch+1) / float64(s.Epochs)
	}
	return s.After.LearningRate(epoch)
}

// SchedulerFromConfig builds the configured learning-rate schedule.
func SchedulerFromConfig(cfg *config.TrainConfig) (Scheduler, error) {
	var sched Scheduler
	switch cfg.LRScheduler {
	case "single_step":
		if cfg.StepSize <= 0 {
			return nil, errors.Errorf("single_step scheduler needs stepsize > 0, got %d", cfg.StepSize)
		}
		sched = &SingleStepSchedule{Base: cfg.LearningRate, Gamma: cfg.Gamma, StepSize: cfg.StepSize}
	case "multi_step":
		sched = &MultiStepSchedule{Base: cfg.LearningRate, Gamma: cfg.Gamma, Milestones: cfg.Milestones}
	default:
		return nil, errors.Errorf("unknown lr_scheduler %q, valid names are %v", cfg.LRScheduler, config.SchedulerNames)
	}
	if cfg.WarmupEpoch > 0 {
		sched = &WarmupSchedule{After: sched, Epochs: cfg.WarmupEpoch}
	}
	return sched, nil
}
