package run_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hil-tools/dutctl/internal/halt"
	"github.com/hil-tools/dutctl/internal/model"
	"github.com/hil-tools/dutctl/internal/power"
	"github.com/hil-tools/dutctl/internal/run"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeInstr records every operation as a formatted string and satisfies
// both instrument interfaces.
type fakeInstr struct {
	mu   sync.Mutex
	name string
	ops  []string
}

func (f *fakeInstr) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, f.name+": "+fmt.Sprintf(format, args...))
}

func (f *fakeInstr) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeInstr) Reset(context.Context) error { f.record("rst"); return nil }

func (f *fakeInstr) SetOpMode(_ context.Context, mode string) error {
	f.record("opmode %s", mode)
	return nil
}

func (f *fakeInstr) SetGPIO(_ context.Context, pin int, high bool) error {
	f.record("gpio %d %t", pin, high)
	return nil
}

func (f *fakeInstr) ApplyChannel(_ context.Context, ch int, cfg model.PsuChannel) error {
	f.record("apply ch%d %.2fV", ch, cfg.Vol)
	return nil
}

func (f *fakeInstr) SetOutput(_ context.Context, ch int, on bool) error {
	f.record("output ch%d %t", ch, on)
	return nil
}

func (f *fakeInstr) MeasureCurrent(_ context.Context, ch int) (float64, error) {
	f.record("meas cur ch%d", ch)
	return 0.01, nil
}

func (f *fakeInstr) MeasureVoltage(_ context.Context, ch int) (float64, error) {
	f.record("meas vol ch%d", ch)
	return 0.8, nil
}

func (f *fakeInstr) ApplySource(_ context.Context, src int, cfg model.SiggenSource) error {
	f.record("source %d %.0fHz", src, cfg.Freq)
	return nil
}

// bench builds a one-supply, one-siggen setup with recording fakes.
func bench(t *testing.T) (*model.InstrConfig, *power.Sequencer, *fakeInstr, *fakeInstr) {
	t.Helper()

	cfg := &model.InstrConfig{
		Ganged: true,
		Supplies: map[string]*model.PsuConfig{
			"vdd": {
				Addr:      "a:1",
				ResetGPIO: 2,
				OpMode:    model.OpModeOff,
				Channels: map[int]*model.PsuChannel{
					1: {Vol: 0.8, Cur: 1, VolMax: 0.88, Active: true, Measure: true},
				},
			},
		},
		Siggens: map[string]*model.SiggenConfig{
			"clkgen": {
				Addr: "a:9",
				Sources: map[int]*model.SiggenSource{
					1: {Freq: 5e7, VHi: 0.8, Shape: "SQU", Duty: 50, LeakOff: true, Active: true},
				},
			},
		},
	}
	psu := &fakeInstr{name: "vdd"}
	gen := &fakeInstr{name: "clkgen"}
	seq, err := power.NewSequencer(cfg,
		map[string]power.PSU{"vdd": psu},
		map[string]power.Siggen{"clkgen": gen})
	require.NoError(t, err)
	return cfg, seq, psu, gen
}

// script writes an executable shell script and returns its path. The
// supervisors get "sh" as the tool binary, so the -f/-x flags they pass
// are harmless shell options and the script runs as-is.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body+"\n"), 0o755))
	return path
}

func baseOpts(t *testing.T) run.Options {
	return run.Options{
		Tool:       "dutctl",
		LogDir:     t.TempDir(),
		OCDBin:     "sh",
		GDBBin:     "sh",
		PollPeriod: 10 * time.Millisecond,
	}
}

func TestPowerOffAction(t *testing.T) {
	t.Parallel()

	cfg, seq, psu, gen := bench(t)
	o := run.New(cfg, seq, baseOpts(t))

	code, err := o.Execute(t.Context(), halt.New(), run.ActionPowerOff)
	require.NoError(t, err)
	require.Zero(t, code)

	require.Equal(t, []string{"clkgen: output ch1 false"}, gen.Ops())
	require.Equal(t, []string{"vdd: output ch0 false"}, psu.Ops())
}

func TestResetActionReconfiguresThenPulses(t *testing.T) {
	t.Parallel()

	cfg, seq, psu, gen := bench(t)
	o := run.New(cfg, seq, baseOpts(t))

	code, err := o.Execute(t.Context(), halt.New(), run.ActionReset)
	require.NoError(t, err)
	require.Zero(t, code)

	require.Equal(t, []string{
		"clkgen: output ch1 false",
		"clkgen: source 1 50000000Hz",
		"clkgen: output ch1 true",
	}, gen.Ops())
	require.Equal(t, []string{
		"vdd: gpio 2 true",
		"vdd: gpio 2 false",
		"vdd: gpio 2 true",
	}, psu.Ops())
}

func TestMeasureActionReadsFlaggedChannels(t *testing.T) {
	t.Parallel()

	cfg, seq, psu, _ := bench(t)
	o := run.New(cfg, seq, baseOpts(t))

	code, err := o.Execute(t.Context(), halt.New(), run.ActionMeasure)
	require.NoError(t, err)
	require.Zero(t, code)
	require.Equal(t, []string{"vdd: meas cur ch1"}, psu.Ops())
}

func TestLeakActionDisablesLeakOffSourcesAndMeasuresTwice(t *testing.T) {
	t.Parallel()

	cfg, seq, psu, gen := bench(t)
	opts := baseOpts(t)
	o := run.New(cfg, seq, opts)

	code, err := o.Execute(t.Context(), halt.New(), run.ActionLeak)
	require.NoError(t, err)
	require.Zero(t, code)

	// standby measurement after the cycle, leak measurement at the end
	var reads int
	for _, op := range psu.Ops() {
		if strings.Contains(op, "meas cur") {
			reads++
		}
	}
	require.Equal(t, 2, reads)
	// the leak phase turns the leak-off flagged source off again after
	// the reconfiguration re-enabled it
	ops := gen.Ops()
	require.Equal(t, "clkgen: output ch1 false", ops[len(ops)-1])
}

func TestRunWithoutTasksSucceedsImmediately(t *testing.T) {
	t.Parallel()

	cfg, seq, _, _ := bench(t)
	opts := baseOpts(t)
	opts.NoReconf = true
	opts.NoReset = true
	o := run.New(cfg, seq, opts)

	code, err := o.Execute(t.Context(), halt.New(), run.ActionRun)
	require.NoError(t, err)
	require.Zero(t, code)
}

func TestRunAggregatesExitCodes(t *testing.T) {
	t.Parallel()

	cfg, seq, _, _ := bench(t)
	opts := baseOpts(t)
	opts.NoReconf = true
	opts.NoReset = true
	opts.Chips = []run.Chip{
		{GDBScript: script(t, "exit 3")},
		{GDBScript: script(t, "sleep 10")},
	}
	o := run.New(cfg, seq, opts)

	// Chip 0's debugger exits 3 on its own, which terminates the run;
	// chip 1's is stopped with the default terminate and its -15 exit is
	// masked, so the run's code is chip 0's.
	code, err := o.Execute(t.Context(), halt.New(), run.ActionRun)
	require.NoError(t, err)
	require.Equal(t, 3, code)

	for _, name := range []string{"gdb0.log", "gdb1.log"} {
		_, err := os.Stat(filepath.Join(opts.LogDir, name))
		require.NoError(t, err)
	}
}

func TestBridgeKillIsMasked(t *testing.T) {
	t.Parallel()

	cfg, seq, _, _ := bench(t)
	opts := baseOpts(t)
	opts.Chips = []run.Chip{
		{OCDConfig: script(t, "sleep 10")},
		{OCDConfig: script(t, "exit 0")},
	}
	o := run.New(cfg, seq, opts)

	// Chip 1's bridge ends cleanly and asserts halt; chip 0's is stopped
	// with a kill, the expected end of every bridge, so its -9 is masked
	// and the run succeeds.
	code, err := o.Execute(t.Context(), halt.New(), run.ActionReset)
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestBridgeFailurePassesThrough(t *testing.T) {
	t.Parallel()

	cfg, seq, _, _ := bench(t)
	opts := baseOpts(t)
	opts.Chips = []run.Chip{
		{OCDConfig: script(t, "sleep 10")},
		{OCDConfig: script(t, "exit 4")},
	}
	o := run.New(cfg, seq, opts)

	// Only the stop-kill is masked; a bridge failing on its own keeps
	// its exit code.
	code, err := o.Execute(t.Context(), halt.New(), run.ActionReset)
	require.NoError(t, err)
	require.Equal(t, 4, code)
}

func TestSpawnFailureIsFatal(t *testing.T) {
	t.Parallel()

	cfg, seq, _, _ := bench(t)
	opts := baseOpts(t)
	opts.NoReconf = true
	opts.NoReset = true
	opts.GDBBin = filepath.Join(t.TempDir(), "missing-binary")
	opts.Chips = []run.Chip{{GDBScript: script(t, "exit 0")}}
	o := run.New(cfg, seq, opts)

	sig := halt.New()
	_, err := o.Execute(t.Context(), sig, run.ActionRun)
	require.Error(t, err)
	require.True(t, sig.IsSet(), "a fatal task failure must unwind siblings")
}
