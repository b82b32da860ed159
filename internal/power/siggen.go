package power

import (
	"context"
	"fmt"
	"sort"

	"github.com/hil-tools/dutctl/internal/model"
)

// SiggensOff disables every configured signal-generator source.
func (s *Sequencer) SiggensOff(ctx context.Context) error {
	return s.siggensOff(ctx, false)
}

// SiggensLeakOff disables only the sources flagged leak-off, removing
// switching activity for a static/leakage measurement.
func (s *Sequencer) SiggensLeakOff(ctx context.Context) error {
	return s.siggensOff(ctx, true)
}

func (s *Sequencer) siggensOff(ctx context.Context, leakOnly bool) error {
	for _, name := range s.cfg.SiggenNames() {
		cfg := s.cfg.Siggens[name]
		for _, src := range sourceIndices(cfg) {
			if leakOnly && !cfg.Sources[src].LeakOff {
				continue
			}
			if err := s.siggens[name].SetOutput(ctx, src, false); err != nil {
				return fmt.Errorf("disabling %s source %d: %w", name, src, err)
			}
		}
	}
	return nil
}

// ReconfSiggens stops all sources, then reapplies every source's
// frequency, levels, shape and duty, restoring the configured output
// states. With reset, each generator gets an instrument reset first.
func (s *Sequencer) ReconfSiggens(ctx context.Context, reset bool) error {
	if err := s.SiggensOff(ctx); err != nil {
		return err
	}
	for _, name := range s.cfg.SiggenNames() {
		gen := s.siggens[name]
		cfg := s.cfg.Siggens[name]
		if reset {
			if err := gen.Reset(ctx); err != nil {
				return fmt.Errorf("resetting %s: %w", name, err)
			}
		}
		for _, src := range sourceIndices(cfg) {
			scfg := cfg.Sources[src]
			if err := gen.ApplySource(ctx, src, *scfg); err != nil {
				return fmt.Errorf("applying %s source %d: %w", name, src, err)
			}
			if err := gen.SetOutput(ctx, src, scfg.Active); err != nil {
				return fmt.Errorf("toggling %s source %d: %w", name, src, err)
			}
		}
	}
	return nil
}

func sourceIndices(cfg *model.SiggenConfig) []int {
	idx := make([]int, 0, len(cfg.Sources))
	for src := range cfg.Sources {
		idx = append(idx, src)
	}
	sort.Ints(idx)
	return idx
}
