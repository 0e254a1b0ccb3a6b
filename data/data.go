// Package data defines the data-provider contract consumed by the training and
// evaluation engines, and an in-memory implementation of it.
//
// Dataset loading, decoding and augmentation pipelines are external concerns:
// the engines only see stacked image tensors with identity and camera labels.
package data

import (
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Example is one image with its identity and camera labels. DatasetID tags the
// source dataset when training from multiple sources.
type Example struct {
	// Image holds a single image tensor. All examples of one Manager must
	// share dtype and dimensions.
	Image *tensors.Tensor

	// PID is the identity label. For training examples it is a dense,
	// zero-based index into the training identity vocabulary.
	PID int

	// CamID is the camera the image was captured by.
	CamID int

	DatasetID int
}

// Manager provides training batches and per-target query/gallery splits.
type Manager interface {
	// NumTrainIdentities is the size of the training identity vocabulary.
	NumTrainIdentities() int

	// Train returns a finite, restartable batch stream: one pass is one epoch.
	// Batches are identity-balanced (P identities × K instances) when built
	// for metric losses.
	Train() train.Dataset

	// Targets lists the evaluation dataset names.
	Targets() []string

	// Query and Gallery return the evaluation splits of a target.
	Query(target string) []Example
	Gallery(target string) []Example
}

// Stack builds the batch tensors for a list of examples: images stacked along
// a new leading axis, plus Int32 identity and camera label vectors.
func Stack(examples []Example) (images, pids, camids *tensors.Tensor, err error) {
	if len(examples) == 0 {
		return nil, nil, nil, errors.New("cannot stack an empty batch")
	}
	first := examples[0].Image
	if first.DType() != dtypes.Float32 {
		return nil, nil, nil, errors.Errorf("expected Float32 images, got %s", first.DType())
	}
	perImage := first.Size()
	flat := make([]float32, 0, len(examples)*perImage)
	pidValues := make([]int32, len(examples))
	camValues := make([]int32, len(examples))
	for ii, example := range examples {
		if !example.Image.Shape().Equal(first.Shape()) {
			return nil, nil, nil, errors.Errorf(
				"example %d has shape %s, want %s: all images must match after the transform pipeline",
				ii, example.Image.Shape(), first.Shape())
		}
		flat = append(flat, tensors.CopyFlatData[float32](example.Image)...)
		pidValues[ii] = int32(example.PID)
		camValues[ii] = int32(example.CamID)
	}
	dims := append([]int{len(examples)}, first.Shape().Dimensions...)
	images = tensors.FromFlatDataAndDimensions(flat, dims...)
	pids = tensors.FromFlatDataAndDimensions(pidValues, len(examples))
	camids = tensors.FromFlatDataAndDimensions(camValues, len(examples))
	return
}

// ImageShape is a convenience to build the shape of a single image tensor.
func ImageShape(height, width, channels int) shapes.Shape {
	return shapes.Make(dtypes.Float32, height, width, channels)
}
