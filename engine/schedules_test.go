package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-reid/reid/config"
)

func TestSingleStepSchedule(t *testing.T) {
	sched := &SingleStepSchedule{Base: 0.1, Gamma: 0.1, StepSize: 20}
	assert.InDelta(t, 0.1, sched.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.1, sched.LearningRate(19), 1e-12)
	assert.InDelta(t, 0.01, sched.LearningRate(20), 1e-12)
	assert.InDelta(t, 0.01, sched.LearningRate(39), 1e-12)
	assert.InDelta(t, 0.001, sched.LearningRate(40), 1e-12)
}

func TestMultiStepSchedule(t *testing.T) {
	sched := &MultiStepSchedule{Base: 3e-4, Gamma: 0.1, Milestones: []int{20, 40}}
	assert.InDelta(t, 3e-4, sched.LearningRate(19), 1e-12)
	assert.InDelta(t, 3e-5, sched.LearningRate(20), 1e-12)
	assert.InDelta(t, 3e-5, sched.LearningRate(39), 1e-12)
	assert.InDelta(t, 3e-6, sched.LearningRate(40), 1e-12)
	assert.InDelta(t, 3e-6, sched.LearningRate(59), 1e-12)
}

func TestWarmupSchedule(t *testing.T) {
	base := &SingleStepSchedule{Base: 0.1, Gamma: 0.1, StepSize: 100}
	sched := &WarmupSchedule{After: base, Epochs: 5}
	assert.InDelta(t, 0.1/5, sched.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.1*4/5, sched.LearningRate(3), 1e-12)
	assert.InDelta(t, 0.1, sched.LearningRate(4), 1e-12)
	assert.InDelta(t, 0.1, sched.LearningRate(5), 1e-12)
}

// Schedules are pure functions of the epoch: a resumed run lands on the same
// rate as an uninterrupted one.
func TestScheduleIsPure(t *testing.T) {
	sched := &MultiStepSchedule{Base: 1, Gamma: 0.5, Milestones: []int{2, 4}}
	first := make([]float64, 8)
	for epoch := range first {
		first[epoch] = sched.LearningRate(epoch)
	}
	for epoch := 7; epoch >= 0; epoch-- {
		assert.Equal(t, first[epoch], sched.LearningRate(epoch))
	}
}

func TestSchedulerFromConfig(t *testing.T) {
	cfg := config.Default()
	sched, err := SchedulerFromConfig(&cfg.Train)
	require.NoError(t, err)
	assert.Equal(t, "single_step", sched.Name())

	cfg.Train.LRScheduler = "multi_step"
	cfg.Train.Milestones = []int{10}
	sched, err = SchedulerFromConfig(&cfg.Train)
	require.NoError(t, err)
	assert.Equal(t, "multi_step", sched.Name())

	cfg.Train.WarmupEpoch = 3
	sched, err = SchedulerFromConfig(&cfg.Train)
	require.NoError(t, err)
	assert.Equal(t, "warmup+multi_step", sched.Name())

	cfg.Train.LRScheduler = "wrong"
	_, err = SchedulerFromConfig(&cfg.Train)
	require.Error(t, err)
}
