package model_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/hil-tools/dutctl/internal/model"
	"github.com/stretchr/testify/require"
)

const configBody = `
ganged: true
supplies:
  vdd:
    addr: "192.168.1.10:5025"
    reset_gpio: 3
    channels:
      1:
        vol: 0.8
        cur: 2.0
        measure: true
        measure_vol: true
      2:
        vol: 1.8
        cur: 0.5
        volmax: 2.2
        fourwire: true
  vio:
    addr: "192.168.1.11:5025"
    opmode: PAR
    channels:
      0:
        vol: 3.3
        cur: 1.0
siggens:
  clkgen:
    addr: "192.168.1.20:5025"
    sources:
      1:
        freq: 50.0e6
        vhi: 1.8
        leakoff: true
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	doc := "safety_hash: 0xd0a515a1\n" + configBody
	cfg, err := model.LoadConfig(strings.NewReader(doc))
	require.NoError(t, err)

	require.True(t, cfg.Ganged)
	require.Len(t, cfg.Supplies, 2)
	require.Equal(t, []string{"vdd", "vio"}, cfg.SupplyNames())

	vdd := cfg.Supplies["vdd"]
	require.Equal(t, 3, vdd.ResetGPIO)
	require.Equal(t, model.OpModeOff, vdd.OpMode)
	require.Len(t, vdd.Channels, 2)

	ch1 := vdd.Channels[1]
	require.Equal(t, 0.8, ch1.Vol)
	require.True(t, ch1.Measure)
	require.True(t, ch1.MeasureVol)
	require.True(t, ch1.Active)
	// volmax defaults to 10% above the target voltage
	require.InDelta(t, 0.88, ch1.VolMax, 1e-9)

	ch2 := vdd.Channels[2]
	require.Equal(t, 2.2, ch2.VolMax)
	require.True(t, ch2.FourWire)
	require.False(t, ch2.Measure)

	vio := cfg.Supplies["vio"]
	require.Equal(t, model.OpModeParallel, vio.OpMode)
	require.Contains(t, vio.Channels, 0)
	require.Equal(t, 0, vio.ResetGPIO)

	clk := cfg.Siggens["clkgen"]
	require.Len(t, clk.Sources, 1)
	src := clk.Sources[1]
	require.Equal(t, 50.0e6, src.Freq)
	require.Equal(t, "SQU", src.Shape)
	require.Equal(t, 50.0, src.Duty)
	require.True(t, src.LeakOff)
	require.True(t, src.Active)
}

func TestLoadConfigRejectsBadDocuments(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		scenario string
		doc      string
	}{
		{"missing safety_hash", configBody},
		{"bad opmode", strings.Replace(
			"safety_hash: 1\n"+configBody, "opmode: PAR", "opmode: BOTH", 1)},
		{"negative current", strings.Replace(
			"safety_hash: 1\n"+configBody, "cur: 2.0", "cur: -2.0", 1)},
		{"empty addr", strings.Replace(
			"safety_hash: 1\n"+configBody, `addr: "192.168.1.20:5025"`, `addr: ""`, 1)},
		{"vol below volmin", strings.Replace(
			"safety_hash: 1\n"+configBody, "vol: 0.8", "vol: 0.8\n        volmin: 0.9", 1)},
		{"vol above volmax", strings.Replace(
			"safety_hash: 1\n"+configBody, "volmax: 2.2", "volmax: 1.5", 1)},
		{"unknown field", "safety_hash: 1\nbogus: 1\n" + configBody},
	} {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestSafetyHashGate(t *testing.T) {
	t.Parallel()

	want, err := model.SafetyHash([]byte(configBody))
	require.NoError(t, err)

	good := fmt.Sprintf("safety_hash: 0x%x\n%s", want, configBody)
	actual, bypassed, err := model.CheckSafetyHash([]byte(good))
	require.NoError(t, err)
	require.False(t, bypassed)
	require.Equal(t, want, actual)

	// formatting-only edits do not change the checksum
	reordered := fmt.Sprintf("# lab instruments\nsafety_hash: 0x%x\n%s", want, configBody)
	_, _, err = model.CheckSafetyHash([]byte(reordered))
	require.NoError(t, err)

	bad := "safety_hash: 12345\n" + configBody
	_, _, err = model.CheckSafetyHash([]byte(bad))
	require.ErrorIs(t, err, model.ErrHashMismatch)

	bypass := fmt.Sprintf("safety_hash: 0x%x\n%s", model.BypassHash, configBody)
	_, bypassed, err = model.CheckSafetyHash([]byte(bypass))
	require.NoError(t, err)
	require.True(t, bypassed)
}

func TestCoerceLiteral(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		in   string
		kind model.LiteralKind
		want any
	}{
		{"42", model.LiteralInt, int64(42)},
		{"-7", model.LiteralInt, int64(-7)},
		{"0x1f", model.LiteralInt, int64(31)},
		{"3.14", model.LiteralFloat, 3.14},
		{"1e-3", model.LiteralFloat, 0.001},
		{"true", model.LiteralBool, true},
		{"False", model.LiteralBool, false},
		{"[1,2]", model.LiteralList, []any{1.0, 2.0}},
		{`{"a": 1}`, model.LiteralMap, map[string]any{"a": 1.0}},
		{"abc", model.LiteralString, "abc"},
		{"[not json", model.LiteralString, "[not json"},
	} {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := model.CoerceLiteral(tt.in)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.want, got.Value())
		})
	}
}
