// Package eval implements ranking evaluation for person re-identification:
// feature extraction with gradients disabled, a query×gallery distance
// matrix, and the CMC curve and mean average precision over it.
package eval

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/exceptions"

	"github.com/go-reid/reid/data"
)

// FeatureFn builds the inference graph mapping a batch of images to their
// embedding matrix, shaped [batchSize, featureDim].
type FeatureFn func(ctx *context.Context, images *graph.Node) *graph.Node

// Evaluator extracts features with a model context in inference mode and
// ranks query images against a gallery. It reuses the context's variables and
// never creates or updates any.
type Evaluator struct {
	backend backends.Backend
	exec    *context.Exec
}

// NewEvaluator wraps a feature extractor over a model context. Checked(false)
// lets the same evaluator serve both flows: reusing variables a training run
// already created, and materializing fresh ones when evaluation runs first
// (test-only on freshly initialized or checkpoint-loaded weights).
func NewEvaluator(backend backends.Backend, ctx *context.Context, features FeatureFn) *Evaluator {
	exec := context.NewExec(backend, ctx.Checked(false), func(ctx *context.Context, images *graph.Node) *graph.Node {
		ctx.SetTraining(images.Graph(), false)
		return features(ctx, images)
	})
	return &Evaluator{backend: backend, exec: exec}
}

// Evaluate extracts features for the query and gallery sets in batches of
// batchSize, computes their distance matrix under metric and ranks it.
func (e *Evaluator) Evaluate(query, gallery []data.Example, metric Metric, batchSize int) (*Result, error) {
	queryFeatures, err := e.ExtractFeatures(query, batchSize)
	if err != nil {
		return nil, errors.WithMessage(err, "extracting query features")
	}
	galleryFeatures, err := e.ExtractFeatures(gallery, batchSize)
	if err != nil {
		return nil, errors.WithMessage(err, "extracting gallery features")
	}
	distances, err := DistanceMatrix(e.backend, metric, queryFeatures, galleryFeatures)
	if err != nil {
		return nil, err
	}
	return Rank(distances, identities(query), identities(gallery))
}

// ExtractFeatures runs the feature extractor over examples in batches and
// returns the stacked [len(examples), featureDim] feature matrix.
func (e *Evaluator) ExtractFeatures(examples []data.Example, batchSize int) (*tensors.Tensor, error) {
	if len(examples) == 0 {
		return nil, errors.New("cannot extract features from an empty example list")
	}
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be ≥ 1, got %d", batchSize)
	}
	var flat []float32
	featureDim := 0
	for start := 0; start < len(examples); start += batchSize {
		end := min(start+batchSize, len(examples))
		images, _, _, err := data.Stack(examples[start:end])
		if err != nil {
			return nil, errors.WithMessagef(err, "stacking evaluation batch at offset %d", start)
		}
		var batch *tensors.Tensor
		err = exceptions.TryCatch[error](func() {
			batch = e.exec.Call(images)[0]
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "feature extraction failed at offset %d", start)
		}
		if batch.Rank() != 2 {
			return nil, errors.Errorf("feature extractor returned rank-%d tensor, want [batch, featureDim]", batch.Rank())
		}
		featureDim = batch.Shape().Dim(1)
		flat = append(flat, tensors.CopyFlatData[float32](batch)...)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(examples), featureDim), nil
}

func identities(examples []data.Example) []Identity {
	ids := make([]Identity, len(examples))
	for ii, example := range examples {
		ids[ii] = Identity{PID: example.PID, CamID: example.CamID}
	}
	return ids
}
