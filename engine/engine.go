// Package engine drives person re-identification training and evaluation: a
// shared epoch/iteration loop over pluggable loss strategies, with optimizer
// and learning-rate schedule state, periodic ranking evaluation and
// checkpointing at epoch boundaries.
package engine

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/go-reid/reid/checkpoints"
	"github.com/go-reid/reid/config"
	"github.com/go-reid/reid/data"
	"github.com/go-reid/reid/eval"
	"github.com/go-reid/reid/model"
)

// State of the engine's run loop.
type State int

const (
	Idle State = iota
	Running
	Evaluating
	Checkpointing
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Evaluating:
		return "Evaluating"
	case Checkpointing:
		return "Checkpointing"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ModelScope is the context scope under which all model variables live.
const ModelScope = "model"

// RunConfig enumerates the options of one Engine.Run call.
type RunConfig struct {
	MaxEpoch   int
	StartEpoch int
	PrintFreq  int

	// EvalFreq is the epoch period of ranking evaluations. Zero or negative
	// evaluates only after the last epoch.
	EvalFreq int

	// FixbaseEpoch freezes every model layer outside OpenLayers for the first
	// FixbaseEpoch epochs; afterwards all layers train.
	FixbaseEpoch int
	OpenLayers   []string

	// TestOnly skips training entirely: one evaluation pass with the weights
	// loaded at construction, then termination.
	TestOnly bool

	DistMetric    DistanceMetric
	EvalBatchSize int
}

// RunConfigFromConfig extracts the run options from a validated Config.
func RunConfigFromConfig(cfg *config.Config) RunConfig {
	metric, _ := DistanceMetricFromName(cfg.Test.DistMetric)
	return RunConfig{
		MaxEpoch:      cfg.Train.MaxEpoch,
		StartEpoch:    cfg.Train.StartEpoch,
		PrintFreq:     cfg.Train.PrintFreq,
		EvalFreq:      cfg.Test.EvalFreq,
		FixbaseEpoch:  cfg.Train.FixbaseEpoch,
		OpenLayers:    cfg.Train.OpenLayers,
		TestOnly:      cfg.Test.Evaluate,
		DistMetric:    metric,
		EvalBatchSize: cfg.Data.EvalBatchSize,
	}
}

// Engine owns the training loop. It is the single owner of the optimization
// state and of the model variables: evaluation runs between epochs with
// gradients disabled, never concurrently with a training step.
type Engine struct {
	backend  backends.Backend
	ctx      *context.Context
	manager  data.Manager
	builder  model.Builder
	strategy LossStrategy
	optim    *OptimizationState
	eval     *eval.Evaluator

	checkpointer *checkpoints.Manager
	out          io.Writer
	progress     bool

	state      State
	trainDS    train.Dataset
	trainExec  *context.Exec
	execFrozen bool
	statNames  []string
	batchShape shapes.Shape
	bestMetric float64

	printedSummary bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpoints attaches a checkpoint manager: "latest" is written after
// every epoch, "best" whenever evaluation improves on the best metric so far.
func WithCheckpoints(m *checkpoints.Manager) Option {
	return func(e *Engine) { e.checkpointer = m }
}

// AttachCheckpoints is WithCheckpoints for managers built after New, since a
// checkpoint manager needs the engine's context.
func (e *Engine) AttachCheckpoints(m *checkpoints.Manager) { e.checkpointer = m }

// WithLogWriter redirects the engine's training log lines. Defaults to
// os.Stdout.
func WithLogWriter(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

// WithProgressBar toggles the per-epoch progress bar.
func WithProgressBar(enabled bool) Option {
	return func(e *Engine) { e.progress = enabled }
}

// New assembles an engine from a validated configuration: loss strategy,
// optimizer, scheduler and evaluator. seed makes runs reproducible; it is an
// explicit parameter so multiple engines can coexist in one process.
func New(backend backends.Backend, manager data.Manager, builder model.Builder, cfg *config.Config, seed int64, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := StrategyFromConfig(cfg, manager.NumTrainIdentities())
	if err != nil {
		return nil, err
	}
	ctx := context.New()
	ctx.RngStateFromSeed(seed)
	optim, err := NewOptimizationState(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		backend:    backend,
		ctx:        ctx,
		manager:    manager,
		builder:    builder,
		strategy:   strategy,
		optim:      optim,
		out:        os.Stdout,
		state:      Idle,
		bestMetric: math.Inf(-1),
	}
	e.eval = eval.NewEvaluator(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		_, embeddings := builder(ctx.In(ModelScope), images)
		return embeddings
	})
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// Context exposes the engine's variable context, e.g. for checkpointing.
func (e *Engine) Context() *context.Context { return e.ctx }

// State reports the engine's current run-loop state.
func (e *Engine) State() State { return e.state }

// BestMetric reports the best evaluation metric seen so far (rank-1 of the
// last evaluated target). Negative infinity before the first evaluation.
func (e *Engine) BestMetric() float64 { return e.bestMetric }

// SetBestMetric primes the best-so-far tracking, typically from a restored
// checkpoint.
func (e *Engine) SetBestMetric(value float64) { e.bestMetric = value }

// Run drives the full training schedule: for each epoch one pass over the
// training batches, then evaluation every EvalFreq epochs (and always on the
// last), then a checkpoint. With TestOnly it evaluates once and terminates.
func (e *Engine) Run(rc RunConfig) error {
	defer func() { e.state = Terminated }()
	if rc.TestOnly {
		e.state = Evaluating
		_, err := e.evaluate(rc)
		return err
	}
	if rc.StartEpoch >= rc.MaxEpoch {
		return errors.Errorf("nothing to do: start_epoch %d ≥ max_epoch %d", rc.StartEpoch, rc.MaxEpoch)
	}
	e.trainDS = e.manager.Train()

	start := time.Now()
	for epoch := rc.StartEpoch; epoch < rc.MaxEpoch; epoch++ {
		e.state = Running
		frozen := epoch < rc.FixbaseEpoch && len(rc.OpenLayers) > 0
		if e.trainExec == nil || frozen != e.execFrozen {
			if frozen {
				fmt.Fprintf(e.out, "* only training %v for %d epochs\n", rc.OpenLayers, rc.FixbaseEpoch-epoch)
			} else if e.trainExec != nil {
				fmt.Fprintf(e.out, "* all layers open for training\n")
			}
			e.buildTrainExec(frozen, rc.OpenLayers)
		}
		e.optim.ApplyEpoch(epoch)

		if err := e.trainEpoch(epoch, rc); err != nil {
			return err
		}

		evalDue := (rc.EvalFreq > 0 && (epoch+1)%rc.EvalFreq == 0) || epoch == rc.MaxEpoch-1
		improved := false
		if evalDue {
			e.state = Evaluating
			metric, err := e.evaluate(rc)
			if err != nil {
				return err
			}
			if metric > e.bestMetric {
				e.bestMetric = metric
				improved = true
			}
		}

		if e.checkpointer != nil {
			e.state = Checkpointing
			if err := e.checkpointer.Save(checkpoints.SlotLatest, epoch+1, e.bestMetric); err != nil {
				return errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch+1)
			}
			if improved {
				if err := e.checkpointer.Save(checkpoints.SlotBest, epoch+1, e.bestMetric); err != nil {
					return errors.WithMessagef(err, "saving best checkpoint after epoch %d", epoch+1)
				}
			}
		}
	}
	fmt.Fprintf(e.out, "total elapsed time %s\n", time.Since(start).Round(time.Second))
	return nil
}

// buildTrainExec compiles the training-step executor. The gradient set
// depends on which variables are trainable, so the executor is rebuilt
// whenever the frozen phase changes.
func (e *Engine) buildTrainExec(frozen bool, openLayers []string) {
	e.execFrozen = frozen
	e.statNames = nil
	// Checked(false): the rebuild at the unfreeze boundary revisits variables
	// the first executor already created.
	e.trainExec = context.NewExec(e.backend, e.ctx.Checked(false),
		func(ctx *context.Context, images, labels *Node) []*Node {
			g := images.Graph()
			ctx.SetTraining(g, true)
			logits, embeddings := e.builder(ctx.In(ModelScope), images)
			e.applyTrainability(ctx, frozen, openLayers)
			loss, stats := e.strategy.LossGraph(ctx, logits, embeddings, labels)
			e.optim.UpdateGraph(ctx, g, loss)
			outputs := make([]*Node, 0, len(stats)+1)
			outputs = append(outputs, loss)
			e.statNames = e.statNames[:0]
			for _, stat := range stats {
				e.statNames = append(e.statNames, stat.Name)
				outputs = append(outputs, stat.Value)
			}
			return outputs
		})
}

// applyTrainability sets the trainable flag of every model variable: during
// the fixbase phase only variables under one of the open layer scopes keep
// gradients, everything else is frozen and skipped by the optimizer step.
// Variables outside the model scope (optimizer state, loss state) keep their
// own flags.
func (e *Engine) applyTrainability(ctx *context.Context, frozen bool, openLayers []string) {
	prefix := "/" + ModelScope
	ctx.EnumerateVariables(func(v *context.Variable) {
		scope := v.Scope()
		if scope != prefix && !strings.HasPrefix(scope, prefix+context.ScopeSeparator) {
			return
		}
		v.SetTrainable(!frozen || scopeInLayers(v.Scope(), openLayers))
	})
}

func scopeInLayers(scope string, layers []string) bool {
	for _, part := range strings.Split(scope, context.ScopeSeparator) {
		for _, layer := range layers {
			if part == layer {
				return true
			}
		}
	}
	return false
}

// trainEpoch runs one full pass over the training batches.
func (e *Engine) trainEpoch(epoch int, rc RunConfig) error {
	meters := newMeterSet()
	numBatches := -1
	if sized, ok := e.trainDS.(interface{ BatchesPerEpoch() int }); ok {
		numBatches = sized.BatchesPerEpoch()
	}
	var bar *progressbar.ProgressBar
	if e.progress {
		bar = progressbar.NewOptions(numBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, rc.MaxEpoch)),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetWriter(e.out))
	}
	defer e.trainDS.Reset()

	for iteration := 0; ; iteration++ {
		_, inputs, _, err := e.trainDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "epoch %d: failed reading training batch %d", epoch+1, iteration)
		}
		if len(inputs) < 2 {
			return errors.Errorf("epoch %d iteration %d: data provider yielded %d tensors, need images and identity labels",
				epoch+1, iteration, len(inputs))
		}
		images, labels := inputs[0], inputs[1]
		if e.batchShape.Ok() {
			if !images.Shape().Equal(e.batchShape) {
				return &BatchShapeError{Epoch: epoch + 1, Iteration: iteration, Got: images.Shape(), Want: e.batchShape}
			}
		} else {
			e.batchShape = images.Shape()
		}

		var outputs []*tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			outputs = e.trainExec.Call(images, labels)
		})
		if err != nil {
			return errors.WithMessagef(err, "epoch %d iteration %d: train step failed", epoch+1, iteration)
		}

		loss := float64(tensors.ToScalar[float32](outputs[0]))
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return errors.Errorf("epoch %d iteration %d: batch loss is %f, training interrupted", epoch+1, iteration, loss)
		}
		meters.update("loss", loss)
		for ii, name := range e.statNames {
			meters.update(name, float64(tensors.ToScalar[float32](outputs[ii+1])))
		}
		e.printModelSummaryOnce()

		if bar != nil {
			_ = bar.Add(1)
		}
		if rc.PrintFreq > 0 && (iteration+1)%rc.PrintFreq == 0 {
			e.printProgress(epoch, iteration, numBatches, rc.MaxEpoch, meters)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(e.out)
	}
	e.printProgress(epoch, -1, numBatches, rc.MaxEpoch, meters)
	return nil
}

// printModelSummaryOnce reports the model size after the variables have been
// materialized by the first training step.
func (e *Engine) printModelSummaryOnce() {
	if e.printedSummary {
		return
	}
	e.printedSummary = true
	fmt.Fprintf(e.out, "model %q: %s parameters (%s)\n",
		e.strategy.Name(),
		humanize.Comma(int64(e.ctx.NumParameters())),
		humanize.Bytes(uint64(e.ctx.Memory())))
}

func (e *Engine) printProgress(epoch, iteration, numBatches, maxEpoch int, meters *meterSet) {
	var position string
	if iteration < 0 {
		position = "done"
	} else if numBatches > 0 {
		position = fmt.Sprintf("%d/%d", iteration+1, numBatches)
	} else {
		position = fmt.Sprintf("%d", iteration+1)
	}
	line := fmt.Sprintf("epoch [%d/%d][%s] lr %.3e", epoch+1, maxEpoch, position, e.optim.LearningRate())
	for _, name := range meters.order {
		line += fmt.Sprintf(" %s %.4f", name, meters.meters[name].average())
	}
	fmt.Fprintln(e.out, line)
}

// evaluate runs the ranking evaluation on every configured target and returns
// the metric used for best-checkpoint tracking: rank-1 of the last target.
func (e *Engine) evaluate(rc RunConfig) (float64, error) {
	metric := eval.Euclidean
	if rc.DistMetric == Cosine {
		metric = eval.Cosine
	}
	rank1 := math.Inf(-1)
	evaluated := false
	for _, target := range e.manager.Targets() {
		query := e.manager.Query(target)
		gallery := e.manager.Gallery(target)
		result, err := e.eval.Evaluate(query, gallery, metric, rc.EvalBatchSize)
		if err != nil {
			if errors.Is(err, eval.ErrNoValidQueries) {
				klog.Warningf("target %q: %v -- skipping it in metric aggregation", target, err)
				continue
			}
			return 0, errors.WithMessagef(err, "evaluating target %q", target)
		}
		evaluated = true
		fmt.Fprintf(e.out, "** results on %q **\n", target)
		fmt.Fprintf(e.out, "mAP: %.1f%%\n", 100*result.MeanAP)
		for _, rank := range []int{1, 5, 10, 20} {
			fmt.Fprintf(e.out, "rank-%d: %.1f%%\n", rank, 100*result.CMC[rank-1])
		}
		if result.SkippedQueries > 0 {
			klog.Warningf("target %q: %d queries had no valid gallery candidates and were excluded", target, result.SkippedQueries)
		}
		rank1 = result.CMC[0]
	}
	if !evaluated {
		return 0, errors.New("no target produced any evaluation result")
	}
	return rank1, nil
}
