package data

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeExamples(t *testing.T, imagesPerPID map[int]int) []Example {
	t.Helper()
	var examples []Example
	for pid, count := range imagesPerPID {
		for ii := 0; ii < count; ii++ {
			examples = append(examples, Example{
				Image: tensors.FromFlatDataAndDimensions(
					[]float32{float32(pid), float32(ii), 0, 0}, 2, 2, 1),
				PID:   pid,
				CamID: ii % 2,
			})
		}
	}
	return examples
}

func TestIdentitySamplerBatchStructure(t *testing.T) {
	const p, k = 3, 2
	examples := makeExamples(t, map[int]int{0: 5, 1: 5, 2: 5, 3: 5, 4: 5, 5: 5})
	sampler, err := NewIdentitySampler("test", examples, p, k, 42)
	require.NoError(t, err)
	require.Greater(t, sampler.BatchesPerEpoch(), 0)

	seenPIDs := make(map[int32]bool)
	numBatches := 0
	for {
		_, inputs, labels, err := sampler.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 3)
		require.Len(t, labels, 1)

		images, pids := inputs[0], inputs[1]
		assert.Equal(t, []int{p * k, 2, 2, 1}, images.Shape().Dimensions)

		counts := make(map[int32]int)
		for _, pid := range tensors.CopyFlatData[int32](pids) {
			counts[pid]++
			seenPIDs[pid] = true
		}
		require.Len(t, counts, p, "batch must hold exactly P distinct identities")
		for pid, count := range counts {
			assert.Equal(t, k, count, "identity %d must appear exactly K times", pid)
		}
		numBatches++
	}
	assert.Equal(t, sampler.BatchesPerEpoch(), numBatches)
	assert.Len(t, seenPIDs, 6, "every identity appears in the epoch")

	// A second epoch after Reset yields the same amount of batches.
	sampler.Reset()
	count := 0
	for {
		_, _, _, err := sampler.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, numBatches, count)
}

func TestIdentitySamplerOversamplesShortIdentities(t *testing.T) {
	// Identity 1 has a single image: it must still fill K slots, with
	// replacement.
	examples := makeExamples(t, map[int]int{0: 4, 1: 1})
	sampler, err := NewIdentitySampler("test", examples, 2, 2, 1)
	require.NoError(t, err)

	_, inputs, _, err := sampler.Yield()
	require.NoError(t, err)
	counts := make(map[int32]int)
	for _, pid := range tensors.CopyFlatData[int32](inputs[1]) {
		counts[pid]++
	}
	assert.Equal(t, 2, counts[1])
}

func TestIdentitySamplerRejectsKBelow2(t *testing.T) {
	examples := makeExamples(t, map[int]int{0: 4, 1: 4})
	_, err := NewIdentitySampler("test", examples, 2, 1, 1)
	require.Error(t, err)
}

func TestIdentitySamplerRejectsTooFewIdentities(t *testing.T) {
	examples := makeExamples(t, map[int]int{0: 4, 1: 4})
	_, err := NewIdentitySampler("test", examples, 3, 2, 1)
	require.Error(t, err)
}

func TestStack(t *testing.T) {
	examples := makeExamples(t, map[int]int{0: 2, 1: 1})
	images, pids, camids, err := Stack(examples)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2, 1}, images.Shape().Dimensions)
	assert.Equal(t, []int{3}, pids.Shape().Dimensions)
	assert.Equal(t, []int{3}, camids.Shape().Dimensions)
}

func TestStackRejectsMixedShapes(t *testing.T) {
	examples := []Example{
		{Image: tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2, 1), PID: 0},
		{Image: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2, 1, 1), PID: 1},
	}
	_, _, _, err := Stack(examples)
	require.Error(t, err)
}

func TestStackRejectsEmpty(t *testing.T) {
	_, _, _, err := Stack(nil)
	require.Error(t, err)
}

func TestInMemoryValidation(t *testing.T) {
	// Sparse training PIDs are rejected.
	sparse := []Example{
		{Image: tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0}, 2, 2, 1), PID: 0},
		{Image: tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0}, 2, 2, 1), PID: 2},
	}
	_, err := NewInMemory("t", sparse, nil, nil, 2, 2, 1)
	require.Error(t, err)

	// A query split without a gallery split is rejected.
	dense := makeExamples(t, map[int]int{0: 2, 1: 2})
	_, err = NewInMemory("t", dense, map[string][]Example{"x": dense}, nil, 2, 2, 1)
	require.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	manager := Synthetic(4, 2, 6, 2, 2, 2, 2, 7)
	assert.Equal(t, 4, manager.NumTrainIdentities())
	require.Equal(t, []string{"synthetic"}, manager.Targets())
	assert.NotEmpty(t, manager.Query("synthetic"))
	assert.NotEmpty(t, manager.Gallery("synthetic"))
}
