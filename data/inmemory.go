package data

import (
	"math/rand"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// InMemory is a Manager over example slices already resident in memory. It is
// what the synthetic demo and the tests use; real dataset loaders produce the
// same structure.
type InMemory struct {
	name          string
	trainExamples []Example
	query         map[string][]Example
	gallery       map[string][]Example

	numIdentities int
	samplerP      int
	samplerK      int
	seed          int64
}

// NewInMemory builds a Manager from in-memory splits. Training PIDs must be
// dense zero-based indices; the training identity vocabulary size is inferred
// from them.
func NewInMemory(name string, trainExamples []Example, query, gallery map[string][]Example, samplerP, samplerK int, seed int64) (*InMemory, error) {
	maxPID := -1
	seen := make(map[int]bool)
	for _, example := range trainExamples {
		if example.PID < 0 {
			return nil, errors.Errorf("train example has negative pid %d", example.PID)
		}
		seen[example.PID] = true
		if example.PID > maxPID {
			maxPID = example.PID
		}
	}
	if len(seen) != maxPID+1 {
		return nil, errors.Errorf("train pids are not dense: %d distinct labels, max label %d", len(seen), maxPID)
	}
	for target := range query {
		if _, ok := gallery[target]; !ok {
			return nil, errors.Errorf("target %q has a query split but no gallery split", target)
		}
	}
	return &InMemory{
		name:          name,
		trainExamples: trainExamples,
		query:         query,
		gallery:       gallery,
		numIdentities: maxPID + 1,
		samplerP:      samplerP,
		samplerK:      samplerK,
		seed:          seed,
	}, nil
}

func (m *InMemory) NumTrainIdentities() int { return m.numIdentities }

func (m *InMemory) Train() train.Dataset {
	sampler, err := NewIdentitySampler(m.name, m.trainExamples, m.samplerP, m.samplerK, m.seed)
	if err != nil {
		panic(errors.WithMessage(err, "InMemory.Train"))
	}
	return sampler
}

func (m *InMemory) Targets() []string {
	targets := maps.Keys(m.query)
	slices.Sort(targets)
	return targets
}

func (m *InMemory) Query(target string) []Example   { return m.query[target] }
func (m *InMemory) Gallery(target string) []Example { return m.gallery[target] }

// Synthetic builds an InMemory manager with random images whose pixels are
// correlated with the identity, so even a small model can learn to separate
// them. Useful for smoke tests and the demo run.
func Synthetic(numIdentities, numCameras, imagesPerIdentity, height, width int, samplerP, samplerK int, seed int64) *InMemory {
	rng := rand.New(rand.NewSource(seed))
	makeSplit := func(perIdentity int) []Example {
		examples := make([]Example, 0, numIdentities*perIdentity)
		for pid := 0; pid < numIdentities; pid++ {
			for ii := 0; ii < perIdentity; ii++ {
				flat := make([]float32, height*width)
				for jj := range flat {
					// Identity-dependent mean plus noise.
					flat[jj] = float32(pid)/float32(numIdentities) + 0.1*float32(rng.NormFloat64())
				}
				examples = append(examples, Example{
					Image: tensors.FromFlatDataAndDimensions(flat, height, width, 1),
					PID:   pid,
					CamID: ii % numCameras,
				})
			}
		}
		return examples
	}
	manager, err := NewInMemory("synthetic",
		makeSplit(imagesPerIdentity),
		map[string][]Example{"synthetic": makeSplit(2)},
		map[string][]Example{"synthetic": makeSplit(4)},
		samplerP, samplerK, seed)
	if err != nil {
		panic(err)
	}
	return manager
}
