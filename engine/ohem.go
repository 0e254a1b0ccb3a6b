package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// OHEMStrategy replaces the single hardest negative of the triplet strategy
// with online hard-example mining: per anchor, the TopK hardest negatives each
// form a triplet with the anchor's hardest positive, and the surviving margin
// violations are focal-reweighted by (loss/margin)^WeightF so harder triplets
// dominate the average.
type OHEMStrategy struct {
	Triplet *TripletStrategy

	WeightF float64
	TopK    int
}

func (s *OHEMStrategy) Name() string { return "ohem" }

func (s *OHEMStrategy) LossGraph(ctx *context.Context, logits, embeddings, labels *Node) (loss *Node, stats []Stat) {
	minedLoss, minedStats := s.minedTerm(embeddings, labels)
	softmaxLoss := s.Triplet.Softmax.crossEntropy(logits, labels)

	loss = Add(
		MulScalar(softmaxLoss, s.Triplet.WeightX),
		MulScalar(minedLoss, s.Triplet.WeightT))

	stats = []Stat{
		{Name: "acc", Value: batchAccuracy(logits, labels)},
		{Name: "loss_f", Value: minedLoss},
		{Name: "loss_x", Value: softmaxLoss},
	}
	stats = append(stats, minedStats...)
	return
}

func (s *OHEMStrategy) minedTerm(embeddings, labels *Node) (loss *Node, stats []Stat) {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	zero := ScalarZero(g, dtype)

	distances := PairwiseDistances(s.Triplet.Metric, embeddings, embeddings)
	hardestPositive, hardestNegative := hardestPositiveNegative(distances, labels)

	// Margin violations of every anchor/negative pair, with the anchor's
	// hardest positive fixed: shape [batchSize, batchSize].
	negativesMask := LogicalNot(sameLabelMask(labels))
	pairLosses := AddScalar(Sub(InsertAxes(hardestPositive, -1), distances), s.Triplet.Margin)
	pairLosses = Where(negativesMask, pairLosses, ZerosLike(pairLosses))
	pairLosses = MaxScalar(pairLosses, 0.0)

	// Keep the TopK largest entries per row. K is a small constant, so the
	// selection is unrolled: extract the row maximum, mask it out, repeat.
	selected := ZerosLike(pairLosses)
	remaining := pairLosses
	for k := 0; k < s.TopK; k++ {
		rowMax := ReduceAndKeep(remaining, ReduceMax, 1)
		isMax := And(Equal(remaining, rowMax), GreaterThan(remaining, zero))
		selected = Where(isMax, remaining, selected)
		remaining = Where(isMax, ZerosLike(remaining), remaining)
	}

	// Focal re-weighting over the selected triplets.
	active := GreaterThan(selected, zero)
	weights := PowScalar(MulScalar(selected, 1.0/s.Triplet.Margin), s.WeightF)
	weights = Where(active, weights, ZerosLike(weights))
	weightSum := ReduceAllSum(weights)
	eps := AddScalar(ZerosLike(weightSum), 1e-12)
	loss = Div(ReduceAllSum(Mul(weights, selected)), Add(weightSum, eps))

	numActive := ReduceAllSum(ConvertDType(active, dtype))
	stats = []Stat{
		{Name: "d_pos", Value: ReduceAllMean(hardestPositive)},
		{Name: "d_neg", Value: ReduceAllMean(hardestNegative)},
		{Name: "mined", Value: numActive},
	}
	return
}
