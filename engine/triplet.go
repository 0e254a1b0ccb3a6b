package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// TripletStrategy combines batch-hard triplet metric learning with a softmax
// classification term:
//
//	loss = WeightX·crossEntropy + WeightT·mean(max(0, margin + d(a,p⁺) − d(a,n⁻)))
//
// where p⁺ is the anchor's hardest (farthest) positive and n⁻ its hardest
// (closest) negative within the batch. Batches must carry ≥2 images per
// identity, which the identity sampler guarantees.
type TripletStrategy struct {
	Softmax *SoftmaxStrategy

	Margin  float64
	WeightT float64
	WeightX float64
	Metric  DistanceMetric
}

func (s *TripletStrategy) Name() string { return "triplet" }

func (s *TripletStrategy) LossGraph(ctx *context.Context, logits, embeddings, labels *Node) (loss *Node, stats []Stat) {
	tripletLoss, tripletStats := s.tripletTerm(embeddings, labels)
	softmaxLoss := s.Softmax.crossEntropy(logits, labels)

	loss = Add(
		MulScalar(softmaxLoss, s.WeightX),
		MulScalar(tripletLoss, s.WeightT))

	stats = []Stat{
		{Name: "acc", Value: batchAccuracy(logits, labels)},
		{Name: "loss_t", Value: tripletLoss},
		{Name: "loss_x", Value: softmaxLoss},
	}
	stats = append(stats, tripletStats...)
	return
}

// tripletTerm is the batch-hard margin loss plus its reporting stats.
func (s *TripletStrategy) tripletTerm(embeddings, labels *Node) (loss *Node, stats []Stat) {
	distances := PairwiseDistances(s.Metric, embeddings, embeddings)
	hardestPositive, hardestNegative := hardestPositiveNegative(distances, labels)

	perAnchor := MaxScalar(AddScalar(Sub(hardestPositive, hardestNegative), s.Margin), 0.0)
	loss = ReduceAllMean(perAnchor)

	stats = []Stat{
		{Name: "d_pos", Value: ReduceAllMean(hardestPositive)},
		{Name: "d_neg", Value: ReduceAllMean(hardestNegative)},
	}
	return
}
