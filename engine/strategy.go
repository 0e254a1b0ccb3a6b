package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"

	"github.com/go-reid/reid/config"
)

// Stat is a named auxiliary statistic produced while building a loss graph.
// Stats are reported per iteration and averaged per epoch; they never feed
// back into the gradient computation.
type Stat struct {
	Name  string
	Value *Node
}

// LossStrategy builds the scalar training loss for one batch, plus the
// statistics to report. Implementations are selected once, at engine
// construction, from configuration; the training loop is identical for all
// of them.
//
// logits are shaped [batchSize, numClasses], embeddings [batchSize, embedDim]
// and labels is the Int32 identity vector [batchSize]. Strategies that
// maintain their own learned state (the center strategy) create it as
// variables under ctx and update it inside LossGraph.
type LossStrategy interface {
	Name() string
	LossGraph(ctx *context.Context, logits, embeddings, labels *Node) (loss *Node, stats []Stat)
}

// StrategyFromConfig builds the LossStrategy selected by cfg.Loss.Name.
// numClasses is the training identity vocabulary size.
func StrategyFromConfig(cfg *config.Config, numClasses int) (LossStrategy, error) {
	smoothing := 0.0
	if cfg.Loss.Softmax.LabelSmooth {
		smoothing = cfg.Loss.Softmax.Epsilon
	}
	softmax := &SoftmaxStrategy{NumClasses: numClasses, Epsilon: smoothing}

	metric, ok := DistanceMetricFromName(cfg.Loss.Triplet.Metric)
	if !ok && cfg.Loss.Name != "softmax" {
		return nil, errors.Errorf("unknown triplet distance metric %q", cfg.Loss.Triplet.Metric)
	}
	triplet := &TripletStrategy{
		Softmax: softmax,
		Margin:  cfg.Loss.Triplet.Margin,
		WeightT: cfg.Loss.Triplet.WeightT,
		WeightX: cfg.Loss.Triplet.WeightX,
		Metric:  metric,
	}

	switch cfg.Loss.Name {
	case "softmax":
		return softmax, nil
	case "triplet":
		return triplet, nil
	case "center":
		return &CenterStrategy{
			Triplet:    triplet,
			WeightC:    cfg.Loss.Center.WeightC,
			CenterLR:   cfg.Loss.Center.CenterLR,
			NumClasses: numClasses,
		}, nil
	case "ohem":
		return &OHEMStrategy{
			Triplet: triplet,
			WeightF: cfg.Loss.OHEM.WeightF,
			TopK:    cfg.Loss.OHEM.TopK,
		}, nil
	}
	return nil, errors.Errorf("unknown loss strategy %q, valid names are %v", cfg.Loss.Name, config.LossNames)
}
