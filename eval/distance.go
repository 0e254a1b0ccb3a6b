package eval

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/exceptions"
)

// Metric selects the distance used to compare query and gallery features.
type Metric int

const (
	Euclidean Metric = iota
	Cosine
)

func (m Metric) String() string {
	if m == Cosine {
		return "cosine"
	}
	return "euclidean"
}

// DistanceMatrix computes the [numQuery, numGallery] matrix of distances
// between the rows of query and gallery, both shaped [*, featureDim], and
// returns it flattened row-major.
func DistanceMatrix(backend backends.Backend, metric Metric, query, gallery *tensors.Tensor) (flat []float32, err error) {
	err = exceptions.TryCatch[error](func() {
		exec := graph.NewExec(backend, func(q, g *graph.Node) *graph.Node {
			return distanceGraph(metric, q, g)
		})
		defer exec.Finalize()
		result := exec.Call(query, gallery)[0]
		flat = tensors.CopyFlatData[float32](result)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "computing distance matrix")
	}
	return flat, nil
}

func distanceGraph(metric Metric, q, g *graph.Node) *graph.Node {
	if metric == Cosine {
		qNorm := graph.L2Normalize(q, -1)
		gNorm := graph.L2Normalize(g, -1)
		return graph.MaxScalar(graph.OneMinus(graph.MatMul(qNorm, graph.Transpose(gNorm, 0, 1))), 0.0)
	}
	// ||q - g||² = ||q||² − 2<q, g> + ||g||², clamped against cancellation.
	dotProduct := graph.MatMul(q, graph.Transpose(g, 0, 1))
	qNormSq := graph.ReduceAndKeep(graph.Mul(q, q), graph.ReduceSum, -1)
	gNormSq := graph.InsertAxes(graph.ReduceSum(graph.Mul(g, g), -1), 0)
	distances := graph.Add(graph.Add(qNormSq, graph.MulScalar(dotProduct, -2.0)), gNormSq)
	return graph.Sqrt(graph.MaxScalar(distances, 0.0))
}
