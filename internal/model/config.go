package model

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// PSU operating modes (output pairing).
const (
	OpModeOff      = "OFF"
	OpModeParallel = "PAR"
	OpModeSeries   = "SER"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// PsuChannel is a single power-supply output channel. Index 0 denotes the
// unnumbered channel of a single-channel instrument.
type PsuChannel struct {
	Vol        float64 `json:"vol"`
	Cur        float64 `json:"cur"`
	VolMin     float64 `json:"volmin"`
	VolMax     float64 `json:"volmax,omitempty"`
	Active     bool    `json:"active"`
	FourWire   bool    `json:"fourwire"`
	Measure    bool    `json:"measure"`     // covered by a scope-wide measure
	MeasureVol bool    `json:"measure_vol"` // read back voltage too
}

type PsuConfig struct {
	Addr      string
	Channels  map[int]*PsuChannel
	ResetGPIO int // 0: no reset GPIO
	OpMode    string
}

type SiggenSource struct {
	Freq    float64 `json:"freq"`
	VHi     float64 `json:"vhi"`
	VLo     float64 `json:"vlo"`
	Shape   string  `json:"shape"`
	LeakOff bool    `json:"leakoff"` // disabled by a leak-off pass
	Duty    float64 `json:"duty"`
	Active  bool    `json:"active"`
}

type SiggenConfig struct {
	Addr    string
	Sources map[int]*SiggenSource
}

// InstrConfig is the full, validated instrument configuration of a run.
type InstrConfig struct {
	Ganged   bool
	Supplies map[string]*PsuConfig
	Siggens  map[string]*SiggenConfig
}

// SupplyNames returns the supply names in a stable (sorted) order. The
// sequencer relies on this for deterministic command ordering and for the
// "first supply" that toggles a ganged output.
func (c *InstrConfig) SupplyNames() []string {
	names := make([]string, 0, len(c.Supplies))
	for name := range c.Supplies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *InstrConfig) SiggenNames() []string {
	names := make([]string, 0, len(c.Siggens))
	for name := range c.Siggens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wire shape of the YAML document; channel and source indices arrive as
// string labels and are converted after decoding.
type rawConfig struct {
	Ganged   bool                 `json:"ganged"`
	Supplies map[string]rawPsu    `json:"supplies,omitempty"`
	Siggens  map[string]rawSiggen `json:"siggens,omitempty"`
}

type rawPsu struct {
	Addr      string                 `json:"addr"`
	Channels  map[string]*PsuChannel `json:"channels"`
	ResetGPIO int                    `json:"reset_gpio"`
	OpMode    string                 `json:"opmode"`
}

type rawSiggen struct {
	Addr    string                   `json:"addr"`
	Sources map[string]*SiggenSource `json:"sources"`
}

// LoadConfig validates YAML against the CUE schema and decodes it into an
// InstrConfig. The safety_hash gate must have passed already, see
// CheckSafetyHash.
func LoadConfig(r io.Reader) (*InstrConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return loadConfigBytes(raw)
}

func loadConfigBytes(raw []byte) (*InstrConfig, error) {
	yamlFile, err := yaml.Extract("instr.yaml", raw)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var wire rawConfig
	if err := unified.Decode(&wire); err != nil {
		return nil, err
	}

	out := &InstrConfig{
		Ganged:   wire.Ganged,
		Supplies: make(map[string]*PsuConfig, len(wire.Supplies)),
		Siggens:  make(map[string]*SiggenConfig, len(wire.Siggens)),
	}
	for name, p := range wire.Supplies {
		channels, err := indexChannels(p.Channels)
		if err != nil {
			return nil, fmt.Errorf("supply %s: %w", name, err)
		}
		out.Supplies[name] = &PsuConfig{
			Addr:      p.Addr,
			Channels:  channels,
			ResetGPIO: p.ResetGPIO,
			OpMode:    p.OpMode,
		}
	}
	for name, g := range wire.Siggens {
		sources, err := indexSources(g.Sources)
		if err != nil {
			return nil, fmt.Errorf("siggen %s: %w", name, err)
		}
		out.Siggens[name] = &SiggenConfig{
			Addr:    g.Addr,
			Sources: sources,
		}
	}
	return out, nil
}

func indexChannels(in map[string]*PsuChannel) (map[int]*PsuChannel, error) {
	out := make(map[int]*PsuChannel, len(in))
	for label, ch := range in {
		idx, err := strconv.Atoi(label)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid channel index %q", label)
		}
		// A safe maximum voltage is usually 10% higher than spec.
		if ch.VolMax == 0 {
			ch.VolMax = 1.1 * ch.Vol
		}
		out[idx] = ch
	}
	return out, nil
}

func indexSources(in map[string]*SiggenSource) (map[int]*SiggenSource, error) {
	out := make(map[int]*SiggenSource, len(in))
	for label, src := range in {
		idx, err := strconv.Atoi(label)
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("invalid source index %q", label)
		}
		out[idx] = src
	}
	return out, nil
}
