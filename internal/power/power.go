// Package power sequences the lab instruments of a run: reset-GPIO
// pulsing, gang-aware power cycling, channel configuration and
// voltage/current readback for the supplies, plus output control and
// reconfiguration for the signal generators.
//
// Instruments are consumed through the PSU and Siggen interfaces; the
// network client lives in internal/scpi. Instrument I/O errors surface to
// the caller of the failing operation and never terminate the run by
// themselves.
package power

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hil-tools/dutctl/internal/model"
)

// ErrVoltageOutOfBounds reports a target voltage outside the channel's
// configured volmin..volmax window. Statically configured voltages are
// schema-checked at load time; this guards the DUT-driven retargeting.
var ErrVoltageOutOfBounds = errors.New("voltage out of configured bounds")

// PSU is the per-supply slice of the instrument control interface.
// Channel index 0 addresses the unnumbered channel of a single-channel
// instrument.
type PSU interface {
	Reset(ctx context.Context) error
	SetOpMode(ctx context.Context, mode string) error
	SetGPIO(ctx context.Context, pin int, high bool) error
	// ApplyChannel sets voltage, current limit and sense mode. It never
	// touches the output state.
	ApplyChannel(ctx context.Context, ch int, cfg model.PsuChannel) error
	SetOutput(ctx context.Context, ch int, on bool) error
	MeasureCurrent(ctx context.Context, ch int) (float64, error)
	MeasureVoltage(ctx context.Context, ch int) (float64, error)
}

// Siggen is the per-generator slice of the instrument control interface.
type Siggen interface {
	Reset(ctx context.Context) error
	// ApplySource sets frequency, levels, shape and duty cycle. It never
	// touches the output state.
	ApplySource(ctx context.Context, src int, cfg model.SiggenSource) error
	SetOutput(ctx context.Context, src int, on bool) error
}

// Reading is one channel's measurement.
type Reading struct {
	Cur float64  `json:"cur"`
	Vol *float64 `json:"vol,omitempty"`
}

// Measurements nests readings as supply -> channel -> reading. Channels
// neither flagged for measurement nor covered by measureAll are absent.
type Measurements map[string]map[int]Reading

// Scope targets a measurement or reconfiguration at a subset of the
// configuration: supply name -> channel indices.
type Scope map[string][]int

// FullScope covers every configured supply and channel.
func FullScope(cfg *model.InstrConfig) Scope {
	s := make(Scope, len(cfg.Supplies))
	for name, psu := range cfg.Supplies {
		s[name] = channelIndices(psu)
	}
	return s
}

// Narrow restricts the scope to one supply and optionally one channel.
// Unknown names return an error so the caller can discard the offending
// control line.
func Narrow(cfg *model.InstrConfig, supply string, channel int, hasChannel bool) (Scope, error) {
	psu, ok := cfg.Supplies[supply]
	if !ok {
		return nil, fmt.Errorf("unknown supply %q", supply)
	}
	if !hasChannel {
		return Scope{supply: channelIndices(psu)}, nil
	}
	if _, ok := psu.Channels[channel]; !ok {
		return nil, fmt.Errorf("unknown channel %d on supply %q", channel, supply)
	}
	return Scope{supply: []int{channel}}, nil
}

func channelIndices(psu *model.PsuConfig) []int {
	idx := make([]int, 0, len(psu.Channels))
	for ch := range psu.Channels {
		idx = append(idx, ch)
	}
	sort.Ints(idx)
	return idx
}

// Sequencer drives all configured instruments. It is stateless over the
// configuration: every procedure derives its steps from cfg at call time,
// so a psuctl voltage overwrite takes effect on the next apply.
type Sequencer struct {
	cfg     *model.InstrConfig
	psus    map[string]PSU
	siggens map[string]Siggen

	// Serializes instrument access per supply so a measurement triggered
	// by a control line cannot interleave with a sequencing procedure on
	// the same instrument.
	locks map[string]*sync.Mutex
}

func NewSequencer(cfg *model.InstrConfig, psus map[string]PSU, siggens map[string]Siggen) (*Sequencer, error) {
	for name := range cfg.Supplies {
		if _, ok := psus[name]; !ok {
			return nil, fmt.Errorf("no instrument connection for supply %q", name)
		}
	}
	for name := range cfg.Siggens {
		if _, ok := siggens[name]; !ok {
			return nil, fmt.Errorf("no instrument connection for siggen %q", name)
		}
	}
	locks := make(map[string]*sync.Mutex, len(cfg.Supplies))
	for name := range cfg.Supplies {
		locks[name] = &sync.Mutex{}
	}
	return &Sequencer{cfg: cfg, psus: psus, siggens: siggens, locks: locks}, nil
}

// Reset pulses the configured reset GPIOs: raise (unless initialLow, for
// sequences where the line is already held low), drop, hold pulse, raise.
// Models an active-low external reset gated by the supply's GPIO.
func (s *Sequencer) Reset(ctx context.Context, pulse time.Duration, initialLow bool) error {
	names := s.cfg.SupplyNames()
	if !initialLow {
		for _, name := range names {
			if pin := s.cfg.Supplies[name].ResetGPIO; pin != 0 {
				if err := s.psus[name].SetGPIO(ctx, pin, true); err != nil {
					return fmt.Errorf("raising reset on %s: %w", name, err)
				}
			}
		}
	}
	for _, name := range names {
		if pin := s.cfg.Supplies[name].ResetGPIO; pin != 0 {
			if err := s.psus[name].SetGPIO(ctx, pin, false); err != nil {
				return fmt.Errorf("asserting reset on %s: %w", name, err)
			}
		}
	}
	sleep(ctx, pulse)
	for _, name := range names {
		if pin := s.cfg.Supplies[name].ResetGPIO; pin != 0 {
			if err := s.psus[name].SetGPIO(ctx, pin, true); err != nil {
				return fmt.Errorf("releasing reset on %s: %w", name, err)
			}
		}
	}
	return nil
}

// PowerOff disables the supply outputs. Ganged supplies share one logical
// output, so disabling the first one suffices.
func (s *Sequencer) PowerOff(ctx context.Context) error {
	names := s.cfg.SupplyNames()
	if len(names) == 0 {
		return nil
	}
	if s.cfg.Ganged {
		if err := s.psus[names[0]].SetOutput(ctx, 0, false); err != nil {
			return fmt.Errorf("disabling ganged output via %s: %w", names[0], err)
		}
		return nil
	}
	for _, name := range names {
		if err := s.psus[name].SetOutput(ctx, 0, false); err != nil {
			return fmt.Errorf("disabling output of %s: %w", name, err)
		}
	}
	return nil
}

// PowerCycle powers everything off, reapplies the full configuration and
// pulses the reset GPIOs. Per-channel output states are only toggled when
// the supplies are not ganged; a ganged output is enabled once at the end.
func (s *Sequencer) PowerCycle(ctx context.Context, pulse time.Duration) error {
	if err := s.PowerOff(ctx); err != nil {
		return err
	}
	names := s.cfg.SupplyNames()
	for _, name := range names {
		psu := s.psus[name]
		cfg := s.cfg.Supplies[name]
		s.locks[name].Lock()
		err := func() error {
			if err := psu.Reset(ctx); err != nil {
				return fmt.Errorf("resetting %s: %w", name, err)
			}
			// A single-channel instrument (unnumbered channel 0) has no
			// output pairing to set.
			if _, single := cfg.Channels[0]; !single {
				if err := psu.SetOpMode(ctx, cfg.OpMode); err != nil {
					return fmt.Errorf("setting opmode of %s: %w", name, err)
				}
			}
			return s.applyChannelsLocked(ctx, name, !s.cfg.Ganged)
		}()
		s.locks[name].Unlock()
		if err != nil {
			return err
		}
	}
	if s.cfg.Ganged && len(names) > 0 {
		if err := s.psus[names[0]].SetOutput(ctx, 0, true); err != nil {
			return fmt.Errorf("enabling ganged output via %s: %w", names[0], err)
		}
	}
	// Resets happened to go low with the outputs; pulse from there.
	return s.Reset(ctx, pulse, true)
}

// ApplyChannelConfigs reapplies every channel of one supply. With
// toggleOutput false only levels change, output states stay untouched.
func (s *Sequencer) ApplyChannelConfigs(ctx context.Context, supply string, toggleOutput bool) error {
	if _, ok := s.cfg.Supplies[supply]; !ok {
		return fmt.Errorf("unknown supply %q", supply)
	}
	s.locks[supply].Lock()
	defer s.locks[supply].Unlock()
	return s.applyChannelsLocked(ctx, supply, toggleOutput)
}

// SetChannelVoltage retargets one channel's configured voltage. The write
// happens under the supply's instrument lock so a concurrent apply or
// measurement on the same supply never observes it mid-update. Bounds are
// enforced on the next apply, where the error is attributed to the line
// that caused it.
func (s *Sequencer) SetChannelVoltage(supply string, ch int, vol float64) error {
	cfg, ok := s.cfg.Supplies[supply]
	if !ok {
		return fmt.Errorf("unknown supply %q", supply)
	}
	s.locks[supply].Lock()
	defer s.locks[supply].Unlock()
	ccfg, ok := cfg.Channels[ch]
	if !ok {
		return fmt.Errorf("unknown channel %d on supply %q", ch, supply)
	}
	ccfg.Vol = vol
	return nil
}

func (s *Sequencer) applyChannelsLocked(ctx context.Context, supply string, toggleOutput bool) error {
	psu := s.psus[supply]
	cfg := s.cfg.Supplies[supply]
	for _, ch := range channelIndices(cfg) {
		ccfg := cfg.Channels[ch]
		if ccfg.Vol < ccfg.VolMin || ccfg.Vol > ccfg.VolMax {
			return fmt.Errorf("%s channel %d: %.3f V not in [%.3f, %.3f]: %w",
				supply, ch, ccfg.Vol, ccfg.VolMin, ccfg.VolMax, ErrVoltageOutOfBounds)
		}
		if err := psu.ApplyChannel(ctx, ch, *ccfg); err != nil {
			return fmt.Errorf("applying %s channel %d: %w", supply, ch, err)
		}
		if toggleOutput {
			if err := psu.SetOutput(ctx, ch, ccfg.Active); err != nil {
				return fmt.Errorf("toggling %s channel %d: %w", supply, ch, err)
			}
		}
	}
	return nil
}

// Measure reads back current (and voltage where flagged) for every scoped
// channel marked for measurement, or all scoped channels with measureAll.
// Reads fan out across supplies but stay serialized per instrument.
func (s *Sequencer) Measure(ctx context.Context, scope Scope, measureAll bool) (Measurements, error) {
	var mu sync.Mutex
	ret := make(Measurements)

	g, ctx := errgroup.WithContext(ctx)
	for name, channels := range scope {
		cfg, ok := s.cfg.Supplies[name]
		if !ok {
			return nil, fmt.Errorf("unknown supply %q", name)
		}
		g.Go(func() error {
			s.locks[name].Lock()
			defer s.locks[name].Unlock()

			psu := s.psus[name]
			for _, ch := range channels {
				ccfg, ok := cfg.Channels[ch]
				if !ok {
					return fmt.Errorf("unknown channel %d on supply %q", ch, name)
				}
				if !ccfg.Measure && !measureAll {
					continue
				}
				r := Reading{}
				cur, err := psu.MeasureCurrent(ctx, ch)
				if err != nil {
					return fmt.Errorf("measuring current of %s channel %d: %w", name, ch, err)
				}
				r.Cur = cur
				if ccfg.MeasureVol {
					vol, err := psu.MeasureVoltage(ctx, ch)
					if err != nil {
						return fmt.Errorf("measuring voltage of %s channel %d: %w", name, ch, err)
					}
					r.Vol = &vol
				}
				mu.Lock()
				if ret[name] == nil {
					ret[name] = make(map[int]Reading)
				}
				ret[name][ch] = r
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
