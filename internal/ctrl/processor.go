// Package ctrl consumes the control lines a DUT emits over its serial
// link and turns them into measurement records and instrument
// reconfigurations.
package ctrl

import (
	"context"
	"log/slog"
	"time"

	"github.com/hil-tools/dutctl/internal/halt"
	"github.com/hil-tools/dutctl/internal/model"
	"github.com/hil-tools/dutctl/internal/power"
	"github.com/hil-tools/dutctl/internal/uart"
)

// Instruments is the slice of the power sequencer the processor drives.
type Instruments interface {
	ApplyChannelConfigs(ctx context.Context, supply string, toggleOutput bool) error
	SetChannelVoltage(supply string, channel int, vol float64) error
	Measure(ctx context.Context, scope power.Scope, measureAll bool) (power.Measurements, error)
}

// Processor pops lines off the queue, parses them and dispatches to the
// instruments and the measurement sink. Single consumer: lines take
// effect in strict arrival order, and a line's mandated delay holds back
// everything queued behind it by design.
type Processor struct {
	cfg    *model.InstrConfig
	instr  Instruments
	sink   *Sink
	parser parser
}

func NewProcessor(tool string, cfg *model.InstrConfig, instr Instruments, sink *Sink) *Processor {
	return &Processor{
		cfg:    cfg,
		instr:  instr,
		sink:   sink,
		parser: newParser(tool),
	}
}

// Run processes the queue until the halt signal asserts, then drains:
// every line still queued is reported as dropped, never silently lost.
// Only a line already popped when halt asserts finishes processing.
func (p *Processor) Run(ctx context.Context, sig *halt.Signal, q *uart.Queue) error {
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sig.Done():
			cancel()
		case <-popCtx.Done():
		}
	}()

	defer p.Drain(ctx, q)

	for {
		if sig.IsSet() {
			return nil
		}
		line, err := q.Pop(popCtx)
		if err != nil {
			return nil
		}
		p.process(ctx, line)
		q.Ack()
	}
}

func (p *Processor) process(ctx context.Context, raw string) {
	line, err := p.parser.parse(raw)
	if err != nil {
		slog.ErrorContext(ctx, "control line ignored", "error", err, "line", raw)
		return
	}

	switch line.Kind {
	case KindDutMeas:
		p.record(ctx, line.Key, line.Value)
		return
	case KindPsuCtl, KindPsuMeas:
	}

	scope, err := p.resolveScope(line)
	if err != nil {
		slog.ErrorContext(ctx, "control line ignored", "error", err, "line", raw)
		return
	}
	if line.Kind == KindPsuCtl && line.HasSupply && line.HasChannel {
		if err := p.instr.SetChannelVoltage(line.Supply, line.Channel, line.Voltage); err != nil {
			slog.ErrorContext(ctx, "control line ignored", "error", err, "line", raw)
			return
		}
	}

	// The DUT paces the run through these delays; sleep before the line
	// takes effect.
	sleep(ctx, line.Delay)

	switch line.Kind {
	case KindPsuCtl:
		p.control(ctx, line, scope)
	case KindPsuMeas:
		p.measure(ctx, line, scope)
	}
}

func (p *Processor) resolveScope(line Line) (power.Scope, error) {
	if !line.HasSupply {
		return power.FullScope(p.cfg), nil
	}
	return power.Narrow(p.cfg, line.Supply, line.Channel, line.HasChannel)
}

// control reapplies the scoped supplies' channel configs (the voltage
// retarget already happened before the line's delay) without touching
// any output state.
func (p *Processor) control(ctx context.Context, line Line, scope power.Scope) {
	slog.InfoContext(ctx, "PSU control", "line", line.Raw)
	for supply := range scope {
		if err := p.instr.ApplyChannelConfigs(ctx, supply, false); err != nil {
			slog.ErrorContext(ctx, "applying PSU control failed",
				"supply", supply, "error", err, "line", line.Raw)
		}
	}
}

func (p *Processor) measure(ctx context.Context, line Line, scope power.Scope) {
	meas, err := p.instr.Measure(ctx, scope, false)
	if err != nil {
		slog.ErrorContext(ctx, "PSU measurement failed", "error", err, "line", line.Raw)
		return
	}
	p.record(ctx, line.Key, meas)
}

func (p *Processor) record(ctx context.Context, key string, value any) {
	slog.InfoContext(ctx, "measurement", "key", key, "value", value)
	if p.sink == nil {
		return
	}
	if err := p.sink.Write(key, value); err != nil {
		slog.ErrorContext(ctx, "recording measurement failed", "key", key, "error", err)
	}
}

// Drain reports every still-queued line as dropped and acks it. Run
// performs it on return; the caller repeats it once the line producer has
// exited, since a reader can flush buffered lines into the queue after
// the processing loop already stopped.
func (p *Processor) Drain(ctx context.Context, q *uart.Queue) {
	for _, line := range q.DrainRemaining() {
		slog.ErrorContext(ctx, "terminated before processing control line", "line", line)
		q.Ack()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	<-t.C
}
