package simhost

import (
	"github.com/cockroachdb/errors"

	"workcraft.ai/internal/sim/model"
)

// SpawnSpec makes a category of candidates appear over time.
type SpawnSpec struct {
	Category model.Category
	Kind     model.CandidateKind
	Weight   int
}

type Config struct {
	Seed           int64
	Worlds         int
	Size           int // worlds are Size x Size cells on y=0
	AgentsPerWorld int

	InitialCandidates int // per world
	SpawnPerTick      int // per world
	MaxLivePerWorld   int
	Spawns            []SpawnSpec

	// BlockedAbove is the terrain noise level ([0,1]) above which a cell
	// cannot be reached.
	BlockedAbove float64
	TerrainScale float64

	// PreemptCheckEvery re-resolves busy agents every n ticks so higher
	// priority work can take over. 0 disables it.
	PreemptCheckEvery uint64

	// ReloadEveryTicks replaces the whole simulation state every n ticks,
	// as loading a different save would. 0 disables it.
	ReloadEveryTicks uint64
	// CycleWorldEveryTicks unloads the last world and loads it back on the
	// next cycle. 0 disables it.
	CycleWorldEveryTicks uint64

	TickRateHz int    // 0 runs ticks back to back
	MaxTicks   uint64 // 0 runs until the context ends
}

func DefaultConfig() Config {
	return Config{
		Seed:              1337,
		Worlds:            2,
		Size:              96,
		AgentsPerWorld:    40,
		InitialCandidates: 300,
		SpawnPerTick:      6,
		MaxLivePerWorld:   1500,
		Spawns: []SpawnSpec{
			{Category: "HAUL", Kind: model.KindItem, Weight: 4},
			{Category: "HARVEST", Kind: model.KindPlant, Weight: 2},
			{Category: "CLEAN", Kind: model.KindCell, Weight: 2},
			{Category: "CONSTRUCT", Kind: model.KindSite, Weight: 1},
			{Category: "TEND", Kind: model.KindPatient, Weight: 1},
		},
		BlockedAbove:      0.78,
		TerrainScale:      0.06,
		PreemptCheckEvery: 10,
		TickRateHz:        0,
		MaxTicks:          0,
	}
}

func (c Config) Validate() error {
	if c.Worlds <= 0 {
		return errors.New("simhost: worlds must be > 0")
	}
	if c.Size <= 0 {
		return errors.New("simhost: size must be > 0")
	}
	if c.AgentsPerWorld < 0 || c.InitialCandidates < 0 || c.SpawnPerTick < 0 {
		return errors.New("simhost: counts must be >= 0")
	}
	total := 0
	for _, s := range c.Spawns {
		if s.Category == "" || s.Weight < 0 {
			return errors.Newf("simhost: bad spawn spec %+v", s)
		}
		total += s.Weight
	}
	if (c.InitialCandidates > 0 || c.SpawnPerTick > 0) && total == 0 {
		return errors.New("simhost: spawns need a positive total weight")
	}
	if c.TickRateHz < 0 {
		return errors.New("simhost: tick_rate_hz must be >= 0")
	}
	return nil
}
