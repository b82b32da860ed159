// Package run executes one dutctl action end to end: the synchronous
// instrument pre-run phase, then the concurrent supervision of the debug
// bridge, the debugger and the serial links until the halt signal
// asserts.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hil-tools/dutctl/internal/ctrl"
	"github.com/hil-tools/dutctl/internal/halt"
	"github.com/hil-tools/dutctl/internal/model"
	"github.com/hil-tools/dutctl/internal/power"
	"github.com/hil-tools/dutctl/internal/proc"
	"github.com/hil-tools/dutctl/internal/uart"
)

// Action selects what a dutctl invocation does to the DUT.
type Action string

const (
	ActionReset    Action = "reset"
	ActionCycle    Action = "cycle"
	ActionLeak     Action = "leak"
	ActionMeasure  Action = "measure"
	ActionRun      Action = "run"
	ActionPowerOff Action = "poweroff"
)

// Actions lists every action in CLI order.
var Actions = []Action{ActionReset, ActionCycle, ActionLeak, ActionMeasure, ActionRun, ActionPowerOff}

// LaunchesBridge reports whether the action may start the debug bridge.
func (a Action) LaunchesBridge() bool {
	return a == ActionReset || a == ActionCycle || a == ActionRun
}

// Chip holds the per-chip attachments of a run. Empty fields mean the
// corresponding task is not launched for this chip.
type Chip struct {
	OCDConfig  string // debug-bridge config file
	GDBScript  string // debugger script
	UARTDevice string // serial device path
	Baud       int    // 0 means uart.DefaultBaud
}

// Options are the orchestration knobs of one invocation.
type Options struct {
	Tool   string // control-line tool name, "@<Tool>:" prefixes
	LogDir string

	OCDBin string
	GDBBin string

	ResetPulse    time.Duration // reset GPIO pulse width
	ResetSettle   time.Duration // wait after instrument control
	PollPeriod    time.Duration // subprocess liveness heartbeat
	StandbySettle time.Duration // wait before the standby measurement
	LeakSettle    time.Duration // wait before the leak measurement

	NoReconf bool // skip power cycle and siggen reconfiguration
	NoReset  bool // skip the reset pulse

	Chips []Chip
}

// Orchestrator ties one instrument configuration and sequencer to the
// options of an invocation.
type Orchestrator struct {
	cfg  *model.InstrConfig
	seq  *power.Sequencer
	opts Options
}

func New(cfg *model.InstrConfig, seq *power.Sequencer, opts Options) *Orchestrator {
	return &Orchestrator{cfg: cfg, seq: seq, opts: opts}
}

// Execute performs the action. The returned code is the first non-zero
// exit code of any concurrent task, or 0; an error means the run itself
// failed (instrument I/O in the pre-run phase, a process that could not
// be spawned).
func (o *Orchestrator) Execute(ctx context.Context, sig *halt.Signal, action Action) (int, error) {
	if err := o.preRun(ctx, action); err != nil {
		return 0, err
	}
	return o.superviseTasks(ctx, sig, action)
}

// preRun is the synchronous instrument phase; no concurrency starts
// before it completes.
func (o *Orchestrator) preRun(ctx context.Context, action Action) error {
	switch action {
	case ActionReset:
		if err := o.seq.ReconfSiggens(ctx, false); err != nil {
			return err
		}
		if err := o.seq.Reset(ctx, o.opts.ResetPulse, false); err != nil {
			return err
		}
	case ActionPowerOff:
		if err := o.seq.SiggensOff(ctx); err != nil {
			return err
		}
		if err := o.seq.PowerOff(ctx); err != nil {
			return err
		}
	case ActionCycle, ActionRun, ActionLeak:
		if !o.opts.NoReconf {
			if err := o.seq.SiggensOff(ctx); err != nil {
				return err
			}
			if err := o.seq.PowerCycle(ctx, o.opts.ResetPulse); err != nil {
				return err
			}
			sleep(ctx, o.opts.StandbySettle)
			if err := o.measure(ctx, "_standby"); err != nil {
				return err
			}
			if err := o.seq.ReconfSiggens(ctx, false); err != nil {
				return err
			}
		}
		if !o.opts.NoReset {
			if err := o.seq.Reset(ctx, o.opts.ResetPulse, false); err != nil {
				return err
			}
		}
	case ActionMeasure:
		return o.measure(ctx, "")
	default:
		return fmt.Errorf("unexpected action %q", action)
	}

	sleep(ctx, o.opts.ResetSettle)
	slog.InfoContext(ctx, "instrument control complete")

	if action == ActionLeak {
		slog.InfoContext(ctx, "disabling leak-off sources for leakage measurement")
		if err := o.seq.SiggensLeakOff(ctx); err != nil {
			return err
		}
		sleep(ctx, o.opts.LeakSettle)
		if err := o.measure(ctx, "_leak"); err != nil {
			return err
		}
	}
	return nil
}

// measure takes a full-scope reading of the flagged channels and echoes
// it to the log. Pre-run measurements never go to a sink file; only the
// control-line processor writes those.
func (o *Orchestrator) measure(ctx context.Context, key string) error {
	meas, err := o.seq.Measure(ctx, power.FullScope(o.cfg), false)
	if err != nil {
		return err
	}
	if key == "" {
		slog.InfoContext(ctx, "measurement", "value", meas)
	} else {
		slog.InfoContext(ctx, "measurement", "key", key, "value", meas)
	}
	return nil
}

// superviseTasks launches the concurrent tasks the action and chip
// attachments call for and waits for all of them. With no tasks the run
// ends immediately with success.
func (o *Orchestrator) superviseTasks(ctx context.Context, sig *halt.Signal, action Action) (int, error) {
	type task struct {
		name string
		run  func(context.Context) (int, error)
	}
	var tasks []task

	for i, chip := range o.opts.Chips {
		if action.LaunchesBridge() && chip.OCDConfig != "" {
			// The bridge ignores a graceful terminate while attached, so it
			// is stopped with a kill; the resulting -9 is the expected end
			// of a run, not a failure.
			mask := -int(syscall.SIGKILL)
			spec := proc.Spec{
				Name:       fmt.Sprintf("ocd%d", i),
				Argv:       []string{o.opts.OCDBin, "-f", chip.OCDConfig},
				OutputPath: filepath.Join(o.opts.LogDir, fmt.Sprintf("ocd%d.log", i)),
				PollPeriod: o.opts.PollPeriod,
				StopSignal: syscall.SIGKILL,
				MaskExit:   &mask,
			}
			tasks = append(tasks, task{spec.Name, func(ctx context.Context) (int, error) {
				return proc.Supervise(ctx, sig, spec)
			}})
		}
		if action != ActionRun {
			continue
		}
		if chip.UARTDevice != "" {
			tasks = append(tasks, task{fmt.Sprintf("uart%d", i), func(ctx context.Context) (int, error) {
				return o.uartTask(ctx, sig, i, chip)
			}})
		}
		if chip.GDBScript != "" {
			mask := -int(syscall.SIGTERM)
			spec := proc.Spec{
				Name:       fmt.Sprintf("gdb%d", i),
				Argv:       []string{o.opts.GDBBin, "-x", chip.GDBScript},
				OutputPath: filepath.Join(o.opts.LogDir, fmt.Sprintf("gdb%d.log", i)),
				PollPeriod: o.opts.PollPeriod,
				// The stop signal makes the debugger exit -15; that is the
				// expected end of a run, not a failure.
				MaskExit: &mask,
			}
			tasks = append(tasks, task{spec.Name, func(ctx context.Context) (int, error) {
				return proc.Supervise(ctx, sig, spec)
			}})
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	codes := make([]int, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			code, err := t.run(gctx)
			if err != nil {
				// A task that cannot even start is fatal; unwind siblings.
				sig.Assert()
				return err
			}
			codes[i] = code
			return nil
		})
	}
	err := g.Wait()

	attrs := make([]any, 0, 2*len(tasks))
	for i, t := range tasks {
		attrs = append(attrs, t.name, codes[i])
	}
	slog.InfoContext(ctx, "task exit codes", attrs...)
	if err != nil {
		return 0, err
	}
	for _, code := range codes {
		if code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

// uartTask runs one serial reader and its control-line processor. The
// reader has no exit condition of its own, so halt assertion cancels it
// by closing the port under it; the processor then drains the queue
// before the task returns.
func (o *Orchestrator) uartTask(ctx context.Context, sig *halt.Signal, chip int, c Chip) (int, error) {
	baud := c.Baud
	if baud == 0 {
		baud = uart.DefaultBaud
	}
	port, err := uart.Open(c.UARTDevice, baud)
	if err != nil {
		return 0, err
	}
	sink, err := ctrl.NewSink(filepath.Join(o.opts.LogDir, fmt.Sprintf("measure%d.json", chip)))
	if err != nil {
		_ = port.Close()
		return 0, err
	}

	q := uart.NewQueue()
	reader := uart.Reader{
		Prefix:  "@" + o.opts.Tool,
		OutPath: filepath.Join(o.opts.LogDir, fmt.Sprintf("uart%d.log", chip)),
	}
	processor := ctrl.NewProcessor(o.opts.Tool, o.cfg, o.seq, sink)

	go func() {
		<-sig.Done()
		_ = port.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reader.Run(gctx, sig, port, q)
	})
	g.Go(func() error {
		return processor.Run(gctx, sig, q)
	})
	err = g.Wait()
	// The reader can flush buffered control lines into the queue after
	// the processor's own drain; report those as dropped too, then let
	// the acknowledgement count settle.
	processor.Drain(ctx, q)
	if jerr := q.Join(ctx); jerr != nil {
		slog.WarnContext(ctx, "control-line queue did not settle", "error", jerr)
	}
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	return 0, err
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
