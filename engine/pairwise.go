package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/exceptions"
)

// DistanceMetric selects how embedding distances are measured, both by the
// metric losses and by the ranking evaluation.
type DistanceMetric int

const (
	// Euclidean is the L2 distance, computed as sqrt(||a||² + ||b||² − 2·a·b)
	// with the argument clamped to ≥0 against floating-point cancellation.
	Euclidean DistanceMetric = iota

	// Cosine is 1 − cos(a, b), in [0, 2].
	Cosine
)

// DistanceMetricFromName parses "euclidean" or "cosine".
func DistanceMetricFromName(name string) (DistanceMetric, bool) {
	switch name {
	case "euclidean":
		return Euclidean, true
	case "cosine":
		return Cosine, true
	}
	return Euclidean, false
}

func (m DistanceMetric) String() string {
	if m == Cosine {
		return "cosine"
	}
	return "euclidean"
}

const distanceEpsilon = 1e-12

// PairwiseDistances builds the [n, m] matrix of distances between every row
// of a and every row of b, both shaped [*, embedDim], under the given metric.
func PairwiseDistances(metric DistanceMetric, a, b *Node) *Node {
	switch metric {
	case Euclidean:
		return pairwiseEuclidean(a, b)
	case Cosine:
		return pairwiseCosine(a, b)
	}
	exceptions.Panicf("unknown distance metric %d", metric)
	return nil
}

// pairwiseEuclidean uses ||a - b||² = ||a||² − 2<a, b> + ||b||².
func pairwiseEuclidean(a, b *Node) *Node {
	dotProduct := MatMul(a, Transpose(b, 0, 1))
	aNormSq := ReduceAndKeep(Mul(a, a), ReduceSum, -1)        // shape [n, 1]
	bNormSq := InsertAxes(ReduceSum(Mul(b, b), -1), 0)        // shape [1, m]
	distances := Add(Add(aNormSq, MulScalar(dotProduct, -2.0)), bNormSq)

	// Numerical cancellation can produce small negatives, clamp before sqrt.
	distances = MaxScalar(distances, 0.0)

	// The gradient of sqrt is infinite at 0, substitute an epsilon there and
	// restore the exact zero afterwards.
	zero := ScalarZero(distances.Graph(), distances.DType())
	mask := Equal(distances, zero)
	distances = Sqrt(Where(mask, AddScalar(distances, distanceEpsilon), distances))
	return Where(mask, zero, distances)
}

func pairwiseCosine(a, b *Node) *Node {
	aNorm := L2Normalize(a, -1)
	bNorm := L2Normalize(b, -1)
	distances := OneMinus(MatMul(aNorm, Transpose(bNorm, 0, 1)))
	return MaxScalar(distances, 0.0)
}

// sameLabelMask returns the [n, n] boolean matrix of labels[i] == labels[j]
// for a 1-D Int32 label vector.
func sameLabelMask(labels *Node) *Node {
	return Equal(InsertAxes(labels, 0), InsertAxes(labels, -1))
}

// notDiagonalMask returns the [n, n] boolean matrix that is false only on the
// diagonal.
func notDiagonalMask(g *Graph, n int) *Node {
	return LogicalNot(DiagonalWithValue(Const(g, true), n))
}

// hardestPositiveNegative returns, per anchor, the distance to its hardest
// (farthest) positive and hardest (closest) negative within the batch,
// both shaped [batchSize].
//
// Every anchor must have at least one positive (K ≥ 2 in the batch sampler)
// and one negative; the sampler guarantees this precondition.
func hardestPositiveNegative(distances, labels *Node) (hardestPositive, hardestNegative *Node) {
	g := distances.Graph()
	batchSize := distances.Shape().Dim(0)
	zero := ScalarZero(g, distances.DType())

	labelsEqual := sameLabelMask(labels)
	positivesMask := And(notDiagonalMask(g, batchSize), labelsEqual)
	negativesMask := LogicalNot(labelsEqual)

	hardestPositive = ReduceMax(Where(positivesMask, distances, zero), 1)

	// Invalid negatives are pushed above the row maximum so ReduceMin skips them.
	rowMax := ReduceAndKeep(distances, ReduceMax, 1)
	hardestNegative = ReduceMin(Where(negativesMask, distances, Add(distances, rowMax)), 1)
	return
}

// batchAccuracy returns the fraction of rows whose arg-max logit matches the
// label, as a scalar of the logits' dtype. Used for reporting only.
func batchAccuracy(logits, labels *Node) *Node {
	predicted := ArgMax(logits, -1, dtypes.Int32)
	hits := ConvertDType(Equal(predicted, labels), logits.DType())
	return ReduceAllMean(hits)
}
