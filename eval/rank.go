package eval

import (
	"sort"

	"github.com/pkg/errors"
)

// MaxRank caps the length of the reported CMC curve.
const MaxRank = 50

// ErrNoValidQueries reports that every query had to be excluded from ranking
// because it had no valid gallery candidate sharing its identity.
var ErrNoValidQueries = errors.New("no query has any valid gallery match")

// Identity tags one image with its person and camera labels, the only
// information ranking needs besides the distances.
type Identity struct {
	PID   int
	CamID int
}

// Result aggregates the ranking metrics over all valid queries.
type Result struct {
	// CMC[r-1] is the probability that a correct gallery match appears within
	// the top r candidates. Non-decreasing in r, values in [0, 1].
	CMC []float64

	// MeanAP is the mean over queries of per-query average precision.
	MeanAP float64

	NumValidQueries int
	SkippedQueries  int
}

// Rank scores a flattened [numQuery, numGallery] distance matrix against the
// query and gallery labels.
//
// For each query, gallery images with the same person and same camera are
// removed from the candidate list before ranking. Queries left without a
// single correct candidate are excluded from both CMC and mAP; if every query
// is excluded, Rank returns ErrNoValidQueries.
func Rank(distances []float32, query, gallery []Identity) (*Result, error) {
	numQuery, numGallery := len(query), len(gallery)
	if numQuery == 0 || numGallery == 0 {
		return nil, errors.Errorf("ranking needs ≥1 query and ≥1 gallery image, got %d and %d", numQuery, numGallery)
	}
	if len(distances) != numQuery*numGallery {
		return nil, errors.Errorf("distance matrix has %d entries, want %d×%d", len(distances), numQuery, numGallery)
	}

	cmcSum := make([]float64, MaxRank)
	var apSum float64
	valid, skipped := 0, 0
	order := make([]int, numGallery)

	for qi, q := range query {
		row := distances[qi*numGallery : (qi+1)*numGallery]
		for ii := range order {
			order[ii] = ii
		}
		// Ties broken by gallery index, deterministically.
		sort.SliceStable(order, func(a, b int) bool {
			return row[order[a]] < row[order[b]]
		})

		// Walk candidates in ranked order, skipping the query's own camera
		// views of itself.
		numMatches := 0
		firstHit := -1
		position := 0
		var precisionSum float64
		for _, gi := range order {
			g := gallery[gi]
			if g.PID == q.PID && g.CamID == q.CamID {
				continue
			}
			if g.PID == q.PID {
				numMatches++
				if firstHit < 0 {
					firstHit = position
				}
				precisionSum += float64(numMatches) / float64(position+1)
			}
			position++
		}
		if numMatches == 0 {
			// This identity never appears in the gallery under another camera.
			skipped++
			continue
		}
		valid++
		for r := firstHit; r < MaxRank; r++ {
			cmcSum[r]++
		}
		apSum += precisionSum / float64(numMatches)
	}

	if valid == 0 {
		return nil, errors.WithMessagef(ErrNoValidQueries, "%d queries, %d gallery images", numQuery, numGallery)
	}
	result := &Result{
		CMC:             cmcSum,
		MeanAP:          apSum / float64(valid),
		NumValidQueries: valid,
		SkippedQueries:  skipped,
	}
	for r := range result.CMC {
		result.CMC[r] /= float64(valid)
	}
	return result, nil
}
