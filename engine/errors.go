package engine

import (
	"fmt"

	"github.com/gomlx/gomlx/types/shapes"
)

// BatchShapeError reports a batch whose tensors do not match the shapes the
// training graph was compiled for. It terminates the current epoch; persisted
// state is unaffected because checkpoints only happen at epoch boundaries.
type BatchShapeError struct {
	Epoch     int
	Iteration int
	Got       shapes.Shape
	Want      shapes.Shape
}

func (e *BatchShapeError) Error() string {
	return fmt.Sprintf("epoch %d iteration %d: batch shape %s does not match expected %s",
		e.Epoch, e.Iteration, e.Got, e.Want)
}
