// Package bucket approximates "nearest valid candidate" without sorting.
//
// Candidates are split into concentric distance bands around the agent.
// Bands are scanned closest first and each band is shuffled before it is
// scanned, so agents competing for the same band don't all pile onto the
// lowest-index candidate.
package bucket

import (
	"math/rand/v2"
	"sort"

	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/model"
)

// DefaultThresholds are squared distances (tiles²) of the band edges.
var DefaultThresholds = []int64{100, 400, 900, 2500}

// Index returns the bucket an item with squared distance d falls into:
// bucket i holds (thresholds[i-1], thresholds[i]], the last bucket
// (len(thresholds)) holds everything beyond the largest threshold.
func Index(d int64, thresholds []int64) int {
	return sort.Search(len(thresholds), func(i int) bool { return d <= thresholds[i] })
}

// Partition splits items into len(thresholds)+1 buckets. Input order is kept
// inside each bucket.
func Partition[T any](items []T, distSq func(T) int64, thresholds []int64) [][]T {
	out := make([][]T, len(thresholds)+1)
	for _, it := range items {
		i := Index(distSq(it), thresholds)
		out[i] = append(out[i], it)
	}
	return out
}

// SelectFirstValid scans buckets in ascending distance order, shuffles each
// bucket with rng and returns the first item valid accepts. A nil rng uses
// the global source.
func SelectFirstValid[T any](items []T, distSq func(T) int64, thresholds []int64, valid func(T) bool, rng *rand.Rand) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	for _, b := range Partition(items, distSq, thresholds) {
		if len(b) == 0 {
			continue
		}
		shuffle(b, rng)
		for _, it := range b {
			if valid(it) {
				return it, true
			}
		}
	}
	return zero, false
}

// SelectNearest is SelectFirstValid over candidates around origin.
func SelectNearest(origin model.Vec3i, cands []model.Candidate, thresholds []int64, valid func(model.Candidate) bool, rng *rand.Rand) (model.Candidate, bool) {
	return SelectFirstValid(cands, func(c model.Candidate) int64 { return model.DistSq(origin, c.Pos) }, thresholds, valid, rng)
}

// CheckThresholds rejects band edges that are not strictly ascending and
// positive.
func CheckThresholds(thresholds []int64) error {
	if len(thresholds) == 0 {
		return errors.New("thresholds must not be empty")
	}
	prev := int64(0)
	for i, t := range thresholds {
		if t <= prev {
			if i == 0 {
				return errors.Newf("thresholds[0] must be > 0, got %d", t)
			}
			return errors.Newf("thresholds must be strictly ascending: thresholds[%d]=%d <= %d", i, t, prev)
		}
		prev = t
	}
	return nil
}

func shuffle[T any](b []T, rng *rand.Rand) {
	if len(b) < 2 {
		return
	}
	swap := func(i, j int) { b[i], b[j] = b[j], b[i] }
	if rng == nil {
		rand.Shuffle(len(b), swap)
		return
	}
	rng.Shuffle(len(b), swap)
}
