package engine

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// CenterScope is the context scope holding the learned per-identity centers.
const CenterScope = "center_loss"

// CenterStrategy extends the triplet strategy with a centroid-attraction term:
// embeddings are pulled toward a learned center vector of their identity,
// weighted by WeightC.
//
// The centers are learned parameters, but they are NOT updated by the main
// optimizer: they take their own plain-SGD step at the independent rate
// CenterLR inside the same training graph. Gradients of the centers' own
// objective are stopped from flowing back into the embeddings.
type CenterStrategy struct {
	Triplet *TripletStrategy

	WeightC    float64
	CenterLR   float64
	NumClasses int
}

func (s *CenterStrategy) Name() string { return "center" }

func (s *CenterStrategy) LossGraph(ctx *context.Context, logits, embeddings, labels *Node) (loss *Node, stats []Stat) {
	loss, stats = s.Triplet.LossGraph(ctx, logits, embeddings, labels)

	embedDim := embeddings.Shape().Dim(-1)
	centersCtx := ctx.In(CenterScope).WithInitializer(initializers.Zero)
	centersVar := centersCtx.VariableWithShape("centers",
		shapes.Make(embeddings.DType(), s.NumClasses, embedDim))
	centersVar.SetTrainable(false) // Updated below, not by the main optimizer.

	g := embeddings.Graph()
	centers := centersVar.ValueGraph(g)
	batchCenters := Gather(centers, InsertAxes(labels, -1)) // shape [batchSize, embedDim]

	// Attraction term seen by the main optimizer: centers are constants here,
	// the pull acts on the embeddings.
	delta := Sub(embeddings, StopGradient(batchCenters))
	centerLoss := MulScalar(ReduceAllMean(ReduceSum(Mul(delta, delta), -1)), 0.5)
	loss = Add(loss, MulScalar(centerLoss, s.WeightC))

	// The centers' own SGD step, at CenterLR, on the mirrored objective where
	// the embeddings are the constants.
	centersDelta := Sub(StopGradient(embeddings), batchCenters)
	centersObjective := MulScalar(ReduceAllMean(ReduceSum(Mul(centersDelta, centersDelta), -1)), 0.5)
	centersGrad := Gradient(centersObjective, centers)[0]
	centersVar.SetValueGraph(Sub(centers, MulScalar(centersGrad, s.CenterLR)))

	stats = append(stats, Stat{Name: "loss_c", Value: centerLoss})
	return
}
