// Package model defines the model contract the engines consume: a graph
// builder producing identity logits and an embedding per image, with variables
// organized under named scopes so layer groups can be frozen selectively.
//
// Backbone architectures are not this repository's concern. The one network
// implemented here is a small reference model used by the tests and the
// synthetic demo; production models plug in through the same Builder type.
package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// Builder builds the forward pass for a batch of images. It returns the
// identity classification logits, shaped [batchSize, numClasses], and the
// embedding used for ranking, shaped [batchSize, embeddingDim].
//
// Variables must be created under ctx so that the engine can checkpoint them
// and toggle their trainability. The conventional scopes are "backbone" for
// feature extraction layers, "embedding" for the projection head and
// "classifier" for the logits layer: configuration option train.open_layers
// names these scopes.
type Builder func(ctx *context.Context, images *Node) (logits, embeddings *Node)

// Scope names used by the reference model and expected by configurations.
const (
	ScopeBackbone   = "backbone"
	ScopeEmbedding  = "embedding"
	ScopeClassifier = "classifier"
)

// Plain returns the reference embedding network: flatten, two dense backbone
// layers, a linear embedding projection and a linear classifier.
func Plain(numClasses, embeddingDim int) Builder {
	return func(ctx *context.Context, images *Node) (logits, embeddings *Node) {
		batchSize := images.Shape().Dim(0)
		x := Reshape(images, batchSize, -1)

		backboneCtx := ctx.In(ScopeBackbone)
		x = layers.DenseWithBias(backboneCtx.In("dense0"), x, 2*embeddingDim)
		x = activations.Relu(x)
		x = layers.DenseWithBias(backboneCtx.In("dense1"), x, 2*embeddingDim)
		x = activations.Relu(x)

		embeddings = layers.DenseWithBias(ctx.In(ScopeEmbedding), x, embeddingDim)
		logits = layers.DenseWithBias(ctx.In(ScopeClassifier), embeddings, numClasses)
		return
	}
}
