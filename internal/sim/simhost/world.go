package simhost

import (
	"fmt"
	"math/rand/v2"

	opensimplex "github.com/ojrac/opensimplex-go"

	"workcraft.ai/internal/sim/model"
)

// candSet keeps candidates of one category in insertion order with O(1)
// removal (swap with the last element).
type candSet struct {
	list []model.Candidate
	at   map[string]int
}

func newCandSet() *candSet { return &candSet{at: map[string]int{}} }

func (s *candSet) add(c model.Candidate) {
	s.at[c.ID] = len(s.list)
	s.list = append(s.list, c)
}

func (s *candSet) remove(id string) bool {
	i, ok := s.at[id]
	if !ok {
		return false
	}
	last := len(s.list) - 1
	if i != last {
		moved := s.list[last]
		s.list[i] = moved
		s.at[moved.ID] = i
	}
	s.list = s.list[:last]
	delete(s.at, id)
	return true
}

type world struct {
	id      model.WorldID
	size    int
	terrain opensimplex.Noise
	scale   float64
	blocked float64

	byCat  map[model.Category]*candSet
	catOf  map[string]model.Category
	nextID uint64
}

func newWorld(id model.WorldID, seed int64, cfg Config) *world {
	scale := cfg.TerrainScale
	if scale <= 0 {
		scale = 0.06
	}
	return &world{
		id:      id,
		size:    cfg.Size,
		terrain: opensimplex.NewNormalized(seed),
		scale:   scale,
		blocked: cfg.BlockedAbove,
		byCat:   map[model.Category]*candSet{},
		catOf:   map[string]model.Category{},
	}
}

func (w *world) live() int { return len(w.catOf) }

func (w *world) spawn(rng *rand.Rand, spec SpawnSpec) model.Candidate {
	w.nextID++
	c := model.Candidate{
		ID:      fmt.Sprintf("w%d-%s-%d", w.id, spec.Kind, w.nextID),
		Kind:    spec.Kind,
		WorldID: w.id,
		Pos:     model.Vec3i{X: rng.IntN(w.size), Z: rng.IntN(w.size)},
	}
	set := w.byCat[spec.Category]
	if set == nil {
		set = newCandSet()
		w.byCat[spec.Category] = set
	}
	set.add(c)
	w.catOf[c.ID] = spec.Category
	return c
}

func (w *world) exists(id string) bool {
	_, ok := w.catOf[id]
	return ok
}

func (w *world) consume(id string) bool {
	cat, ok := w.catOf[id]
	if !ok {
		return false
	}
	delete(w.catOf, id)
	return w.byCat[cat].remove(id)
}

// isBlocked reports whether terrain makes p unreachable.
func (w *world) isBlocked(p model.Vec3i) bool {
	if w.blocked <= 0 || w.blocked >= 1 {
		return false
	}
	return w.terrain.Eval2(float64(p.X)*w.scale, float64(p.Z)*w.scale) > w.blocked
}

func (w *world) candidates(cat model.Category) []model.Candidate {
	set := w.byCat[cat]
	if set == nil {
		return nil
	}
	return set.list
}

// pickSpawn chooses a spawn spec by weight.
func pickSpawn(rng *rand.Rand, specs []SpawnSpec, total int) (SpawnSpec, bool) {
	if total <= 0 {
		return SpawnSpec{}, false
	}
	n := rng.IntN(total)
	for _, s := range specs {
		if n < s.Weight {
			return s, true
		}
		n -= s.Weight
	}
	return SpawnSpec{}, false
}
