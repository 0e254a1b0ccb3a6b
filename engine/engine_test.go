package engine

import (
	"io"
	"math"
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-reid/reid/checkpoints"
	"github.com/go-reid/reid/config"
	"github.com/go-reid/reid/data"
	"github.com/go-reid/reid/model"
)

// testConfig is a tiny-but-complete configuration that trains in seconds on
// the CPU backend.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.EmbeddingDim = 8
	cfg.Data.Height = 4
	cfg.Data.Width = 4
	cfg.Data.NumIdentities = 4
	cfg.Data.NumInstances = 2
	cfg.Data.EvalBatchSize = 16
	cfg.Loss.Name = "triplet"
	cfg.Train.MaxEpoch = 2
	cfg.Train.PrintFreq = 0
	cfg.Train.LearningRate = 1e-2
	cfg.Test.EvalFreq = 1
	return cfg
}

func testManager(cfg *config.Config) data.Manager {
	return data.Synthetic(8, 2, 6, cfg.Data.Height, cfg.Data.Width,
		cfg.Data.NumIdentities, cfg.Data.NumInstances, 17)
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	manager := testManager(cfg)
	builder := model.Plain(manager.NumTrainIdentities(), cfg.Model.EmbeddingDim)
	eng, err := New(testBackend(t), manager, builder, cfg, 17,
		WithLogWriter(io.Discard), WithProgressBar(false))
	require.NoError(t, err)
	return eng
}

func TestEngineRun(t *testing.T) {
	cfg := testConfig()
	eng := newTestEngine(t, cfg)
	require.Equal(t, Idle, eng.State())

	require.NoError(t, eng.Run(RunConfigFromConfig(cfg)))
	assert.Equal(t, Terminated, eng.State())
	assert.False(t, math.IsInf(eng.BestMetric(), -1), "evaluation ran, best metric is set")
	assert.GreaterOrEqual(t, eng.BestMetric(), 0.0)
	assert.LessOrEqual(t, eng.BestMetric(), 1.0)
}

func TestEngineRunAllStrategies(t *testing.T) {
	for _, name := range []string{"softmax", "center", "ohem"} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Loss.Name = name
			cfg.Train.MaxEpoch = 1
			eng := newTestEngine(t, cfg)
			require.NoError(t, eng.Run(RunConfigFromConfig(cfg)))
			assert.Equal(t, Terminated, eng.State())
		})
	}
}

func TestEngineTestOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Test.Evaluate = true
	eng := newTestEngine(t, cfg)
	require.NoError(t, eng.Run(RunConfigFromConfig(cfg)))
	assert.Equal(t, Terminated, eng.State())
	assert.Nil(t, eng.trainExec, "test-only run never compiles a training step")
}

func TestEngineRejectsEmptyEpochWindow(t *testing.T) {
	cfg := testConfig()
	eng := newTestEngine(t, cfg)
	rc := RunConfigFromConfig(cfg)
	rc.StartEpoch = rc.MaxEpoch
	require.Error(t, eng.Run(rc))
}

func TestEngineFixbase(t *testing.T) {
	cfg := testConfig()
	cfg.Train.MaxEpoch = 2
	cfg.Train.FixbaseEpoch = 1
	cfg.Train.OpenLayers = []string{model.ScopeClassifier}
	eng := newTestEngine(t, cfg)
	require.NoError(t, eng.Run(RunConfigFromConfig(cfg)))
	assert.Equal(t, Terminated, eng.State())

	// After the fixbase phase ends, every model variable is trainable again.
	eng.Context().EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), "/"+ModelScope) {
			assert.True(t, v.Trainable, "variable %s must be unfrozen", v.ParameterName())
		}
	})
}

// snapshotModelVariables copies the flat data of every model variable, split
// into the classifier head and everything else.
func snapshotModelVariables(ctx *context.Context) (backbone, classifier map[string][]float32) {
	backbone = make(map[string][]float32)
	classifier = make(map[string][]float32)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), "/"+ModelScope) {
			return
		}
		values := tensors.CopyFlatData[float32](v.Value())
		if strings.Contains(v.Scope(), model.ScopeClassifier) {
			classifier[v.ParameterName()] = values
		} else {
			backbone[v.ParameterName()] = values
		}
	})
	return
}

func TestEngineFixbaseFreezesParameters(t *testing.T) {
	cfg := testConfig()
	cfg.Loss.Name = "softmax"
	cfg.Train.MaxEpoch = 1
	cfg.Train.FixbaseEpoch = 2
	cfg.Train.OpenLayers = []string{model.ScopeClassifier}
	eng := newTestEngine(t, cfg)
	rc := RunConfigFromConfig(cfg)
	require.NoError(t, eng.Run(rc))

	frozen, open := snapshotModelVariables(eng.Context())
	require.NotEmpty(t, frozen)
	require.NotEmpty(t, open)

	// One more epoch, still inside the fixbase phase.
	rc.StartEpoch, rc.MaxEpoch = 1, 2
	require.NoError(t, eng.Run(rc))

	frozenAfter, openAfter := snapshotModelVariables(eng.Context())
	for name, before := range frozen {
		assert.Equal(t, before, frozenAfter[name],
			"frozen variable %s changed during the fixbase phase", name)
	}
	changed := false
	for name, before := range open {
		if !assert.ObjectsAreEqual(before, openAfter[name]) {
			changed = true
		}
	}
	assert.True(t, changed, "open layers keep training during the fixbase phase")
}

func TestEngineRunZeroEvalFreq(t *testing.T) {
	cfg := testConfig()
	eng := newTestEngine(t, cfg)
	rc := RunConfigFromConfig(cfg)
	rc.EvalFreq = 0
	require.NoError(t, eng.Run(rc))
	assert.Equal(t, Terminated, eng.State())
	assert.False(t, math.IsInf(eng.BestMetric(), -1), "final-epoch evaluation still runs")
}

func TestApplyTrainability(t *testing.T) {
	ctx := context.New()
	shape := shapes.Make(dtypes.Float32, 2)
	backbone := ctx.InAbsPath("/model/backbone/dense0").VariableWithShape("weights", shape)
	classifier := ctx.InAbsPath("/model/classifier").VariableWithShape("weights", shape)
	other := ctx.InAbsPath("/optimizers").VariableWithShape("global_step", shape)
	other.SetTrainable(false)

	e := &Engine{}
	e.applyTrainability(ctx, true, []string{"classifier"})
	assert.False(t, backbone.Trainable)
	assert.True(t, classifier.Trainable)
	assert.False(t, other.Trainable, "variables outside the model scope keep their flags")

	e.applyTrainability(ctx, false, nil)
	assert.True(t, backbone.Trainable)
	assert.True(t, classifier.Trainable)
	assert.False(t, other.Trainable)
}

func TestEngineResume(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Train.MaxEpoch = 1

	eng := newTestEngine(t, cfg)
	ckpt, err := checkpoints.NewManager(eng.Context(), dir)
	require.NoError(t, err)
	eng.AttachCheckpoints(ckpt)
	require.NoError(t, eng.Run(RunConfigFromConfig(cfg)))
	require.True(t, ckpt.HasSlot(checkpoints.SlotLatest))
	firstBest := eng.BestMetric()

	// A fresh engine resumes at the saved epoch and runs exactly the
	// remaining ones.
	cfg2 := testConfig()
	cfg2.Train.MaxEpoch = 2
	eng2 := newTestEngine(t, cfg2)
	ckpt2, err := checkpoints.NewManager(eng2.Context(), dir)
	require.NoError(t, err)
	eng2.AttachCheckpoints(ckpt2)

	epoch, best, err := ckpt2.Restore(checkpoints.SlotLatest)
	require.NoError(t, err)
	assert.Equal(t, 1, epoch, "one epoch was completed before the interruption")
	assert.Equal(t, firstBest, best)

	rc := RunConfigFromConfig(cfg2)
	rc.StartEpoch = epoch
	eng2.SetBestMetric(best)
	require.NoError(t, eng2.Run(rc))
	assert.Equal(t, Terminated, eng2.State())

	// The resumed run saved its own checkpoint at epoch 2.
	epoch, _, err = ckpt2.Restore(checkpoints.SlotLatest)
	require.NoError(t, err)
	assert.Equal(t, 2, epoch)
}

func TestBatchShapeErrorMessage(t *testing.T) {
	err := &BatchShapeError{
		Epoch:     3,
		Iteration: 7,
		Got:       shapes.Make(dtypes.Float32, 8, 4, 4, 1),
		Want:      shapes.Make(dtypes.Float32, 16, 4, 4, 1),
	}
	assert.Contains(t, err.Error(), "epoch 3 iteration 7")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "Terminated", Terminated.String())
}
