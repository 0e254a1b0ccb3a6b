package data

import (
	"io"
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// identitySampler yields identity-balanced batches: each batch holds
// NumIdentities (P) distinct identities with NumInstances (K) images each.
// This is the precondition of the hardest-positive search in the metric
// losses, so K ≥ 2 is enforced at construction.
//
// One pass over the sampler is one epoch: every identity with at least K
// images appears at least once. Reset reshuffles and restarts.
type identitySampler struct {
	name          string
	examples      []Example
	byPID         map[int][]int
	numIdentities int
	numInstances  int
	rng           *rand.Rand

	batches [][]int
	next    int
}

// NewIdentitySampler builds the P×K training batch stream over examples.
// Identities with fewer than numInstances images are sampled with
// replacement within their identity.
func NewIdentitySampler(name string, examples []Example, numIdentities, numInstances int, seed int64) (*identitySampler, error) {
	if numInstances < 2 {
		return nil, errors.Errorf("identity sampler needs ≥2 instances per identity, got %d", numInstances)
	}
	byPID := make(map[int][]int)
	for ii, example := range examples {
		byPID[example.PID] = append(byPID[example.PID], ii)
	}
	if len(byPID) < numIdentities {
		return nil, errors.Errorf("identity sampler needs ≥%d identities, got %d", numIdentities, len(byPID))
	}
	s := &identitySampler{
		name:          name,
		examples:      examples,
		byPID:         byPID,
		numIdentities: numIdentities,
		numInstances:  numInstances,
		rng:           rand.New(rand.NewSource(seed)),
	}
	s.Reset()
	return s, nil
}

// Name implements train.Dataset.
func (s *identitySampler) Name() string { return s.name }

// Reset implements train.Dataset: reshuffle and restart the epoch.
func (s *identitySampler) Reset() {
	pids := maps.Keys(s.byPID)
	slices.Sort(pids) // Deterministic base order, the shuffles add the randomness.

	// Split every identity's (shuffled) images into chunks of K.
	chunks := make([][]int, 0, len(s.examples)/s.numInstances+len(pids))
	chunkPIDs := make([]int, 0, cap(chunks))
	for _, pid := range pids {
		indices := slices.Clone(s.byPID[pid])
		s.rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
		for len(indices) < s.numInstances {
			indices = append(indices, s.byPID[pid][s.rng.Intn(len(s.byPID[pid]))])
		}
		for start := 0; start+s.numInstances <= len(indices); start += s.numInstances {
			chunks = append(chunks, indices[start:start+s.numInstances])
			chunkPIDs = append(chunkPIDs, pid)
		}
	}

	// Greedily draw P distinct identities per batch.
	order := s.rng.Perm(len(chunks))
	remaining := make([]int, 0, len(chunks))
	remaining = append(remaining, order...)
	s.batches = s.batches[:0]
	for len(remaining) > 0 {
		batch := make([]int, 0, s.numIdentities*s.numInstances)
		used := make(map[int]bool, s.numIdentities)
		kept := remaining[:0]
		for _, chunkIdx := range remaining {
			if len(used) < s.numIdentities && !used[chunkPIDs[chunkIdx]] {
				used[chunkPIDs[chunkIdx]] = true
				batch = append(batch, chunks[chunkIdx]...)
			} else {
				kept = append(kept, chunkIdx)
			}
		}
		remaining = kept
		if len(used) < s.numIdentities {
			// Not enough distinct identities left for a full batch, drop the tail.
			break
		}
		s.batches = append(s.batches, batch)
	}
	s.next = 0
}

// Yield implements train.Dataset. Inputs are [images, pids, camids], labels
// are [pids]. Returns io.EOF at the end of the epoch.
func (s *identitySampler) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if s.next >= len(s.batches) {
		return nil, nil, nil, io.EOF
	}
	batch := make([]Example, 0, s.numIdentities*s.numInstances)
	for _, idx := range s.batches[s.next] {
		batch = append(batch, s.examples[idx])
	}
	s.next++
	images, pids, camids, err := Stack(batch)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "sampler %q failed stacking batch %d", s.name, s.next-1)
	}
	return nil, []*tensors.Tensor{images, pids, camids}, []*tensors.Tensor{pids}, nil
}

// BatchesPerEpoch reports how many batches one epoch pass yields.
func (s *identitySampler) BatchesPerEpoch() int { return len(s.batches) }
