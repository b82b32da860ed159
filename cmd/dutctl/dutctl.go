package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/hil-tools/dutctl/internal/halt"
	"github.com/hil-tools/dutctl/internal/log"
	"github.com/hil-tools/dutctl/internal/model"
	"github.com/hil-tools/dutctl/internal/power"
	"github.com/hil-tools/dutctl/internal/run"
	"github.com/hil-tools/dutctl/internal/scpi"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func doAction(cmd *cobra.Command, action run.Action) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.Group(toolName,
		slog.String("run", uuid.NewString()),
		slog.String("action", string(action)),
	))

	chips, err := chipArgs(action)
	if err != nil {
		return err
	}

	seq, closeInstrs, err := connectInstruments(ctx, instrCfg)
	if err != nil {
		return err
	}
	defer closeInstrs()
	slog.InfoContext(ctx, "connected to instruments")

	sig := halt.New()
	stop := notifySignals(ctx, sig)
	defer stop()

	o := run.New(instrCfg, seq, run.Options{
		Tool:          toolName,
		LogDir:        flagLogDir,
		OCDBin:        flagOCDBin,
		GDBBin:        flagGDBBin,
		ResetPulse:    flagTrst,
		ResetSettle:   flagTrafter,
		PollPeriod:    flagTpoll,
		StandbySettle: flagTswait,
		LeakSettle:    flagTlwait,
		NoReconf:      flagNoReconf,
		NoReset:       flagNoReset,
		Chips:         chips,
	})
	code, err := o.Execute(ctx, sig, action)
	if err != nil {
		return err
	}
	exitCode = code
	return nil
}

// chipArgs folds the repeated --ocd/--gdb/--uart flags into per-chip
// attachments; list position selects the chip, an empty value skips it.
func chipArgs(action run.Action) ([]run.Chip, error) {
	n := max(len(flagOCD), len(flagGDB), len(flagUART))
	chips := make([]run.Chip, n)

	at := func(list []string, i int) string {
		if i < len(list) {
			return list[i]
		}
		return ""
	}

	anyGDB := false
	for i := range chips {
		c := &chips[i]
		c.OCDConfig = at(flagOCD, i)
		c.GDBScript = at(flagGDB, i)

		if c.GDBScript != "" {
			anyGDB = true
			// A debugger needs its bridge.
			if c.OCDConfig == "" {
				c.OCDConfig = "default"
			}
		}
		if c.OCDConfig == "default" {
			c.OCDConfig = filepath.Join("common", fmt.Sprintf("chip%d.ocd", i))
		}

		if dev := at(flagUART, i); dev != "" {
			c.UARTDevice = dev
			if idx := strings.LastIndex(dev, ":"); idx >= 0 {
				baud, err := strconv.Atoi(dev[idx+1:])
				if err != nil {
					return nil, fmt.Errorf("chip %d: invalid baud rate in %q", i, dev)
				}
				c.UARTDevice, c.Baud = dev[:idx], baud
			}
		}

		if action != run.ActionRun && (c.GDBScript != "" || c.UARTDevice != "") {
			return nil, fmt.Errorf("GDB or UART observation requires the run action")
		}
		if c.OCDConfig != "" {
			if !action.LaunchesBridge() {
				return nil, fmt.Errorf("launching OpenOCD requires one of: reset, cycle, run")
			}
			if _, err := os.Stat(c.OCDConfig); err != nil {
				return nil, fmt.Errorf("chip %d: OpenOCD config: %w", i, err)
			}
		}
		if c.GDBScript != "" {
			if _, err := os.Stat(c.GDBScript); err != nil {
				return nil, fmt.Errorf("chip %d: GDB script: %w", i, err)
			}
		}
	}
	if action == run.ActionRun && !anyGDB {
		return nil, fmt.Errorf("the run action requires a GDB script for at least one chip")
	}
	return chips, nil
}

// connectInstruments dials every configured supply and signal generator
// and wires them into a sequencer. The returned closer hangs up all
// connections.
func connectInstruments(ctx context.Context, cfg *model.InstrConfig) (*power.Sequencer, func(), error) {
	var conns []io.Closer
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}

	psus := make(map[string]power.PSU, len(cfg.Supplies))
	for _, name := range cfg.SupplyNames() {
		conn, err := scpi.Dial(ctx, cfg.Supplies[name].Addr)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("supply %s: %w", name, err)
		}
		conns = append(conns, conn)
		psus[name] = scpi.NewPSU(conn)
	}
	siggens := make(map[string]power.Siggen, len(cfg.Siggens))
	for _, name := range cfg.SiggenNames() {
		conn, err := scpi.Dial(ctx, cfg.Siggens[name].Addr)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("siggen %s: %w", name, err)
		}
		conns = append(conns, conn)
		siggens[name] = scpi.NewSiggen(conn)
	}

	seq, err := power.NewSequencer(cfg, psus, siggens)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return seq, closeAll, nil
}

// notifySignals maps OS termination signals to a halt assertion so every
// task unwinds in order. The returned stop function releases the handler.
func notifySignals(ctx context.Context, sig *halt.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	done := make(chan struct{})
	go func() {
		select {
		case s := <-ch:
			slog.InfoContext(ctx, "received signal, terminating run", "signal", fmt.Sprint(s))
			sig.Assert()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
