package eval

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-reid/reid/data"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	return backend
}

func TestDistanceMatrixEuclidean(t *testing.T) {
	query := tensors.FromFlatDataAndDimensions([]float32{0, 3}, 2, 1)
	gallery := tensors.FromFlatDataAndDimensions([]float32{0, 4}, 2, 1)
	flat, err := DistanceMatrix(testBackend(t), Euclidean, query, gallery)
	require.NoError(t, err)
	require.Len(t, flat, 4)
	assert.InDelta(t, 0, flat[0], 1e-5)
	assert.InDelta(t, 4, flat[1], 1e-5)
	assert.InDelta(t, 3, flat[2], 1e-5)
	assert.InDelta(t, 1, flat[3], 1e-5)
}

func TestDistanceMatrixCosine(t *testing.T) {
	query := tensors.FromFlatDataAndDimensions([]float32{1, 0}, 1, 2)
	gallery := tensors.FromFlatDataAndDimensions([]float32{0, 1, 3, 0}, 2, 2)
	flat, err := DistanceMatrix(testBackend(t), Cosine, query, gallery)
	require.NoError(t, err)
	require.Len(t, flat, 2)
	assert.InDelta(t, 1, flat[0], 1e-5)
	assert.InDelta(t, 0, flat[1], 1e-5)
}

// identityFeatures maps each image to the mean of its pixels, a 1-D feature
// that separates the synthetic identities perfectly.
func identityFeatures(ctx *context.Context, images *graph.Node) *graph.Node {
	batchSize := images.Shape().Dim(0)
	flat := graph.Reshape(images, batchSize, -1)
	return graph.ReduceAndKeep(flat, graph.ReduceMean, -1)
}

func TestEvaluatorEndToEnd(t *testing.T) {
	backend := testBackend(t)
	ctx := context.New()
	evaluator := NewEvaluator(backend, ctx, identityFeatures)

	makeExample := func(pid, cam int, value float32) data.Example {
		return data.Example{
			Image: tensors.FromFlatDataAndDimensions(
				[]float32{value, value, value, value}, 2, 2, 1),
			PID:   pid,
			CamID: cam,
		}
	}
	query := []data.Example{
		makeExample(0, 0, 0.0),
		makeExample(1, 0, 1.0),
	}
	gallery := []data.Example{
		makeExample(0, 1, 0.1),
		makeExample(1, 1, 0.9),
	}

	// An odd batch size forces a partial last batch.
	result, err := evaluator.Evaluate(query, gallery, Euclidean, 3)
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.CMC[0])
	assert.Equal(t, 1.0, result.MeanAP)
}

func TestExtractFeaturesValidation(t *testing.T) {
	evaluator := NewEvaluator(testBackend(t), context.New(), identityFeatures)
	_, err := evaluator.ExtractFeatures(nil, 4)
	require.Error(t, err)

	example := data.Example{
		Image: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2, 1),
	}
	_, err = evaluator.ExtractFeatures([]data.Example{example}, 0)
	require.Error(t, err)
}
