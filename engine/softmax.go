package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/gomlx/exceptions"
)

// SoftmaxStrategy is plain identity classification: cross-entropy over the
// identity logits, optionally with label smoothing.
type SoftmaxStrategy struct {
	NumClasses int

	// Epsilon is the label-smoothing mass: the one-hot target keeps 1−Epsilon
	// on the true class and spreads Epsilon uniformly over the other
	// NumClasses−1 classes. Zero disables smoothing.
	Epsilon float64
}

func (s *SoftmaxStrategy) Name() string { return "softmax" }

func (s *SoftmaxStrategy) LossGraph(ctx *context.Context, logits, embeddings, labels *Node) (loss *Node, stats []Stat) {
	loss = s.crossEntropy(logits, labels)
	stats = []Stat{{Name: "acc", Value: batchAccuracy(logits, labels)}}
	return
}

// crossEntropy is the (optionally smoothed) cross-entropy, averaged over the
// batch.
func (s *SoftmaxStrategy) crossEntropy(logits, labels *Node) *Node {
	if got := logits.Shape().Dim(-1); got != s.NumClasses {
		exceptions.Panicf("model produced %d logits but the training identity vocabulary has %d classes", got, s.NumClasses)
	}
	dtype := logits.DType()
	logProbs := LogSoftmax(logits, -1)
	target := OneHot(labels, s.NumClasses, dtype)
	if s.Epsilon > 0 {
		offTarget := s.Epsilon / float64(s.NumClasses-1)
		target = Add(
			MulScalar(target, 1.0-s.Epsilon-offTarget),
			AddScalar(ZerosLike(target), offTarget))
	}
	perExample := Neg(ReduceSum(Mul(target, logProbs), -1))
	return ReduceAllMean(perExample)
}
