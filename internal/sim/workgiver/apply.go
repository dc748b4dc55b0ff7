package workgiver

import (
	"workcraft.ai/internal/sim/tuning"
	"workcraft.ai/internal/sim/workgiver/catalog"
)

// ApplyTuning rebuilds the registry from t and resets every cache. On error
// the current modules and caches stay in place.
func (s *Scheduler) ApplyTuning(t tuning.Tuning, hooks catalog.Hooks) error {
	reg, err := catalog.Build(t, hooks)
	if err != nil {
		s.log.Error().Err(err).Msg("tuning rejected")
		return err
	}
	s.ctrl.SetConfig(catalog.Stagger(t))
	s.SetRegistry(reg)
	s.log.Info().Strs("modules", reg.IDs()).Msg("tuning applied")
	return nil
}
