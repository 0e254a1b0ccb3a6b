package model

import (
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainShapesAndScopes(t *testing.T) {
	const numClasses, embeddingDim, batchSize = 8, 16, 4
	backend, err := backends.NewWithConfig("go")
	require.NoError(t, err)
	ctx := context.New()
	builder := Plain(numClasses, embeddingDim)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		logits, embeddings := builder(ctx.In("model"), images)
		return []*Node{logits, embeddings}
	})
	images := tensors.FromFlatDataAndDimensions(make([]float32, batchSize*4*4), batchSize, 4, 4, 1)
	outputs := exec.Call(images)

	assert.Equal(t, []int{batchSize, numClasses}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{batchSize, embeddingDim}, outputs[1].Shape().Dimensions)

	// Variables land under the scopes that open_layers configurations name.
	scopes := map[string]bool{}
	ctx.EnumerateVariables(func(v *context.Variable) {
		scopes[v.Scope()] = true
	})
	for _, want := range []string{ScopeBackbone, ScopeEmbedding, ScopeClassifier} {
		found := false
		for scope := range scopes {
			if strings.Contains(scope, "/"+want) {
				found = true
				break
			}
		}
		require.True(t, found, "no variables under scope %q", want)
	}
}
