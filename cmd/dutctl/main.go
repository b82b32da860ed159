package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/hil-tools/dutctl/internal/log"
	"github.com/hil-tools/dutctl/internal/model"
	"github.com/hil-tools/dutctl/internal/run"
	"github.com/hil-tools/dutctl/internal/shmoo"

	"github.com/spf13/cobra"
)

const toolName = "dutctl"

var (
	instrCfg *model.InstrConfig
	exitCode int

	flagInstr   string
	flagLogDir  string
	flagVerbose bool
	flagJSON    bool

	flagTrst    time.Duration
	flagTrafter time.Duration
	flagTpoll   time.Duration
	flagTswait  time.Duration
	flagTlwait  time.Duration

	flagNoReconf bool
	flagNoReset  bool

	flagOCDBin string
	flagGDBBin string

	flagOCD  []string
	flagGDB  []string
	flagUART []string

	flagGold string
)

func main() {
	defaultLogDir := filepath.Join("logs", fmt.Sprintf("%s_%d", toolName, time.Now().UnixMilli()))

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagInstr, "instr", "i", filepath.Join("common", "instr.yml"), "instrument config file")
	pf.StringVarP(&flagLogDir, "logdir", "l", defaultLogDir, "directory for process, serial and measurement logs")
	pf.BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	pf.BoolVar(&flagJSON, "json", false, "JSON log output")
	pf.DurationVar(&flagTrst, "trst", 100*time.Millisecond, "reset pulse width")
	pf.DurationVar(&flagTrafter, "trafter", 100*time.Millisecond, "wait after instrument control")
	pf.DurationVar(&flagTpoll, "tpoll", 500*time.Millisecond, "subprocess liveness period")
	pf.DurationVar(&flagTswait, "tswait", 500*time.Millisecond, "wait before standby measurement")
	pf.DurationVar(&flagTlwait, "tlwait", 500*time.Millisecond, "wait before leak measurement")
	pf.BoolVar(&flagNoReconf, "noreconf", false, "do not power-cycle or reconfigure instruments")
	pf.BoolVar(&flagNoReset, "noreset", false, "do not send reset")
	pf.StringVar(&flagOCDBin, "ocdbin", "openocd", "OpenOCD binary")
	pf.StringVar(&flagGDBBin, "gdbbin", "riscv64-unknown-elf-gdb", "GDB binary")
	pf.StringArrayVarP(&flagOCD, "ocd", "o", nil,
		"per-chip OpenOCD config; repeat per chip, empty value skips the chip, `default` uses common/chip<N>.ocd")
	pf.StringArrayVarP(&flagGDB, "gdb", "g", nil,
		"per-chip GDB script; repeat per chip, empty value skips the chip; implies --ocd default")
	pf.StringArrayVarP(&flagUART, "uart", "u", nil,
		"per-chip serial device as dev[:baud]; repeat per chip, empty value skips the chip")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initDutctl

	for _, action := range run.Actions {
		rootCmd.AddCommand(actionCmd(action))
	}
	parseCmd.Flags().StringVar(&flagGold, "gold", "", "golden result JSON to check runs against")
	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("dutctl failed", "error", err)
		if errors.Is(err, model.ErrHashMismatch) {
			os.Exit(model.HashMismatchCode)
		}
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:          toolName,
	Short:        "Control a device under test and its lab instruments remotely",
	SilenceUsage: true,
}

func actionCmd(action run.Action) *cobra.Command {
	short := map[run.Action]string{
		run.ActionReset:    "pulse the reset GPIOs and reconfigure the signal generators",
		run.ActionCycle:    "power-cycle the supplies and reapply the full configuration",
		run.ActionLeak:     "power-cycle, then take a leakage measurement with leak-off sources disabled",
		run.ActionMeasure:  "read back the flagged supply channels",
		run.ActionRun:      "launch debug tools and observe the DUT serial output",
		run.ActionPowerOff: "disable signal generators and supply outputs",
	}
	return &cobra.Command{
		Use:   string(action),
		Short: short[action],
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doAction(cmd, action)
		},
	}
}

var parseCmd = &cobra.Command{
	Use:   "parse RUNSDIR",
	Short: "aggregate a directory of run measurements into one JSON tree",
	Args:  cobra.ExactArgs(1),
	RunE:  doParse,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("dutctl: version info not available")
			return
		}
		fmt.Printf("dutctl: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			}
		}
	},
}

// initDutctl installs logging and loads the instrument config behind the
// safety-hash gate. The parse and version commands touch no instruments
// and skip the gate.
func initDutctl(cmd *cobra.Command, _ []string) error {
	log.Install(flagVerbose, flagJSON)

	switch cmd.Name() {
	case "parse", "version", "help", "completion":
		return nil
	}

	raw, err := os.ReadFile(flagInstr)
	if err != nil {
		return fmt.Errorf("reading instrument config: %w", err)
	}
	actual, bypassed, err := model.CheckSafetyHash(raw)
	if err != nil {
		return err
	}
	if bypassed {
		slog.Warn("instrument config safety hash BYPASSED",
			"actual", fmt.Sprintf("0x%x", actual))
	}
	instrCfg, err = model.LoadConfig(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parsing instrument config: %w", err)
	}

	slog.Debug("instrument config loaded", "path", flagInstr,
		"supplies", instrCfg.SupplyNames(), "siggens", instrCfg.SiggenNames())
	return nil
}

func doParse(cmd *cobra.Command, args []string) error {
	var golden map[string]any
	if flagGold != "" {
		var err error
		golden, err = shmoo.LoadGolden(flagGold)
		if err != nil {
			return err
		}
	}
	tree, err := shmoo.Parse(args[0], golden)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}
