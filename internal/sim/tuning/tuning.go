package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"workcraft.ai/internal/sim/workgiver/bucket"
	"workcraft.ai/internal/sim/workgiver/targetcache"
)

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	Scheduler SchedulerSpec `yaml:"scheduler" json:"scheduler"`
	Stagger   StaggerSpec   `yaml:"stagger" json:"stagger"`
	Modules   []ModuleSpec  `yaml:"modules" json:"modules"`
}

type SchedulerSpec struct {
	Seed                 int64   `yaml:"seed" json:"seed"`
	RefreshIntervalTicks uint64  `yaml:"refresh_interval_ticks" json:"refresh_interval_ticks"`
	MaxCandidates        int     `yaml:"max_candidates" json:"max_candidates"`
	Thresholds           []int64 `yaml:"thresholds" json:"thresholds"`

	FailureLogEveryMs int `yaml:"failure_log_every_ms" json:"failure_log_every_ms"`
	FailureLogBurst   int `yaml:"failure_log_burst" json:"failure_log_burst"`
}

type StaggerSpec struct {
	Enabled            bool `yaml:"enabled" json:"enabled"`
	PopulationBaseline int  `yaml:"population_baseline" json:"population_baseline"`
	PopulationStep     int  `yaml:"population_step" json:"population_step"`
	MaxMultiplier      int  `yaml:"max_multiplier" json:"max_multiplier"`
	MaxRebuildsPerTick int  `yaml:"max_rebuilds_per_tick" json:"max_rebuilds_per_tick"`
}

// ModuleSpec is one work module as data. Zero numeric fields inherit the
// scheduler defaults.
type ModuleSpec struct {
	ID             string   `yaml:"id" json:"id"`
	Priority       float64  `yaml:"priority" json:"priority"`
	Category       string   `yaml:"category" json:"category"`
	CandidateKinds []string `yaml:"candidate_kinds,omitempty" json:"candidate_kinds,omitempty"`
	JobKind        string   `yaml:"job_kind,omitempty" json:"job_kind,omitempty"`
	WorkTicks      int      `yaml:"work_ticks" json:"work_ticks"`

	RefreshIntervalTicks uint64  `yaml:"refresh_interval_ticks,omitempty" json:"refresh_interval_ticks,omitempty"`
	MaxCandidates        int     `yaml:"max_candidates,omitempty" json:"max_candidates,omitempty"`
	Thresholds           []int64 `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	NearRadius           int     `yaml:"near_radius,omitempty" json:"near_radius,omitempty"`
	SkipReach            bool    `yaml:"skip_reach,omitempty" json:"skip_reach,omitempty"`
	Disabled             bool    `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Load reads path. An empty path returns the defaults.
func Load(path string) (Tuning, error) {
	if strings.TrimSpace(path) == "" {
		t := Defaults()
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}
	return Parse(raw)
}

// Parse validates raw YAML against the embedded schema, decodes it over the
// defaults and checks the result.
func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	if err := validateSchema(raw); err != nil {
		return t, errors.Wrap(err, "tuning.yaml")
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, errors.Wrap(err, "tuning.yaml")
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, errors.Wrap(err, "tuning.yaml")
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		Scheduler: SchedulerSpec{
			Seed:                 1337,
			RefreshIntervalTicks: 60,
			MaxCandidates:        250,
			Thresholds:           []int64{100, 400, 900, 2500},
			FailureLogEveryMs:    1000,
			FailureLogBurst:      5,
		},
		Stagger: StaggerSpec{
			Enabled:            true,
			PopulationBaseline: 20,
			PopulationStep:     20,
			MaxMultiplier:      4,
		},
		Modules: []ModuleSpec{
			{ID: "doctor", Priority: 90, Category: "TEND", CandidateKinds: []string{"PATIENT"}, WorkTicks: 6, NearRadius: 48},
			{ID: "construct", Priority: 60, Category: "CONSTRUCT", CandidateKinds: []string{"SITE"}, WorkTicks: 10},
			{ID: "harvest", Priority: 50, Category: "HARVEST", CandidateKinds: []string{"PLANT"}, WorkTicks: 4},
			{ID: "haul", Priority: 40, Category: "HAUL", CandidateKinds: []string{"ITEM"}, WorkTicks: 3},
			{ID: "clean", Priority: 10, Category: "CLEAN", CandidateKinds: []string{"CELL"}, WorkTicks: 2, SkipReach: true, RefreshIntervalTicks: 120},
		},
	}
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	for i := range t.Modules {
		m := &t.Modules[i]
		m.ID = strings.TrimSpace(m.ID)
		m.Category = strings.ToUpper(strings.TrimSpace(m.Category))
		m.JobKind = strings.ToUpper(strings.TrimSpace(m.JobKind))
		for j, k := range m.CandidateKinds {
			m.CandidateKinds[j] = strings.ToUpper(strings.TrimSpace(k))
		}
	}
}

func (t Tuning) Validate() error {
	s := t.Scheduler
	if s.RefreshIntervalTicks == 0 {
		return errors.New("scheduler.refresh_interval_ticks must be > 0")
	}
	if s.MaxCandidates <= 0 || s.MaxCandidates > targetcache.MaxCandidatesLimit {
		return errors.Newf("scheduler.max_candidates must be in [1,%d]", targetcache.MaxCandidatesLimit)
	}
	if err := bucket.CheckThresholds(s.Thresholds); err != nil {
		return errors.Wrap(err, "scheduler.thresholds")
	}
	if t.Stagger.PopulationStep <= 0 {
		return errors.New("stagger.population_step must be > 0")
	}
	if t.Stagger.MaxMultiplier < 1 {
		return errors.New("stagger.max_multiplier must be >= 1")
	}
	if t.Stagger.MaxRebuildsPerTick < 0 {
		return errors.New("stagger.max_rebuilds_per_tick must be >= 0")
	}
	seen := map[string]bool{}
	for i, m := range t.Modules {
		if m.ID == "" {
			return errors.Newf("modules[%d]: id is required", i)
		}
		if seen[m.ID] {
			return errors.Newf("modules[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if m.Category == "" {
			return errors.Newf("module %s: category is required", m.ID)
		}
		if math.IsNaN(m.Priority) || math.IsInf(m.Priority, 0) {
			return errors.Newf("module %s: priority must be finite", m.ID)
		}
		if m.MaxCandidates < 0 || m.MaxCandidates > targetcache.MaxCandidatesLimit {
			return errors.Newf("module %s: max_candidates must be in [0,%d]", m.ID, targetcache.MaxCandidatesLimit)
		}
		if len(m.Thresholds) > 0 {
			if err := bucket.CheckThresholds(m.Thresholds); err != nil {
				return errors.Wrapf(err, "module %s thresholds", m.ID)
			}
		}
	}
	return nil
}

// EnabledModules returns the module specs not marked disabled.
func (t Tuning) EnabledModules() []ModuleSpec {
	out := make([]ModuleSpec, 0, len(t.Modules))
	for _, m := range t.Modules {
		if !m.Disabled {
			out = append(out, m)
		}
	}
	return out
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("tuning.schema.json", strings.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("tuning.schema.json")
	})
	return schema, schemaErr
}

// validateSchema converts the YAML document to its JSON value and checks it.
func validateSchema(raw []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return errors.Wrap(err, "compile schema")
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	jb, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "convert to json")
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}
