package ctrl

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/hil-tools/dutctl/internal/model"
)

// Kind tags the three control-line variants of the embedded protocol.
type Kind int

const (
	KindDutMeas Kind = iota // @<tool>:dutmeas:<key>:<value>
	KindPsuCtl              // @<tool>:psuctl:<voltage>:<delay_ms>[:<supply>[:<channel>]]
	KindPsuMeas             // @<tool>:psumeas:<key>:<delay_ms>[:<supply>[:<channel>]]
)

// Line is one successfully parsed control line. Malformed input never
// produces a Line.
type Line struct {
	Kind Kind
	Raw  string

	// dutmeas
	Key   string
	Value model.Literal

	// psuctl / psumeas
	Voltage    float64
	Delay      time.Duration
	Supply     string
	HasSupply  bool
	Channel    int
	HasChannel bool
}

// parser holds the per-tool compiled grammar.
type parser struct {
	dut *regexp.Regexp
	psu *regexp.Regexp
}

func newParser(tool string) parser {
	t := regexp.QuoteMeta(tool)
	return parser{
		dut: regexp.MustCompile(`^@` + t + `:dutmeas:([^:]+):([^\r\n]+)`),
		psu: regexp.MustCompile(`^@` + t + `:psu(ctl|meas):([^:]+):(\d+)(?::([^:\r\n]+))?(?::(\d+))?`),
	}
}

// parse classifies one raw line. The returned error carries enough context
// to be printed as-is next to the offending line.
func (p parser) parse(raw string) (Line, error) {
	if m := p.dut.FindStringSubmatch(raw); m != nil {
		return Line{
			Kind:  KindDutMeas,
			Raw:   raw,
			Key:   m[1],
			Value: model.CoerceLiteral(m[2]),
		}, nil
	}

	m := p.psu.FindStringSubmatch(raw)
	if m == nil {
		return Line{}, fmt.Errorf("malformed control line")
	}

	line := Line{Raw: raw}
	switch m[1] {
	case "ctl":
		line.Kind = KindPsuCtl
		vol, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return Line{}, fmt.Errorf("malformed PSU ctl line: voltage %q is not a number", m[2])
		}
		line.Voltage = vol
	case "meas":
		line.Kind = KindPsuMeas
		line.Key = m[2]
	}

	delayMs, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("malformed PSU line: bad delay %q", m[3])
	}
	line.Delay = time.Duration(delayMs) * time.Millisecond

	if m[4] != "" {
		line.Supply = m[4]
		line.HasSupply = true
		if m[5] != "" {
			ch, err := strconv.Atoi(m[5])
			if err != nil {
				return Line{}, fmt.Errorf("malformed PSU line: bad channel %q", m[5])
			}
			line.Channel = ch
			line.HasChannel = true
		}
	}
	return line, nil
}
