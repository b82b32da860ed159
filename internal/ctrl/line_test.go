package ctrl

import (
	"testing"
	"time"

	"github.com/hil-tools/dutctl/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseDutMeas(t *testing.T) {
	t.Parallel()

	p := newParser("dutctl")

	line, err := p.parse("@dutctl:dutmeas:cycles:1000")
	require.NoError(t, err)
	require.Equal(t, KindDutMeas, line.Kind)
	require.Equal(t, "cycles", line.Key)
	require.Equal(t, model.LiteralInt, line.Value.Kind)
	require.Equal(t, int64(1000), line.Value.Value())

	// values may contain colons
	line, err = p.parse("@dutctl:dutmeas:note:run a:b done")
	require.NoError(t, err)
	require.Equal(t, "run a:b done", line.Value.Value())
}

func TestParsePsuLines(t *testing.T) {
	t.Parallel()

	p := newParser("dutctl")

	line, err := p.parse("@dutctl:psuctl:0.85:250:vdd:1")
	require.NoError(t, err)
	require.Equal(t, KindPsuCtl, line.Kind)
	require.Equal(t, 0.85, line.Voltage)
	require.Equal(t, 250*time.Millisecond, line.Delay)
	require.True(t, line.HasSupply)
	require.Equal(t, "vdd", line.Supply)
	require.True(t, line.HasChannel)
	require.Equal(t, 1, line.Channel)

	line, err = p.parse("@dutctl:psumeas:idle:0")
	require.NoError(t, err)
	require.Equal(t, KindPsuMeas, line.Kind)
	require.Equal(t, "idle", line.Key)
	require.Zero(t, line.Delay)
	require.False(t, line.HasSupply)
	require.False(t, line.HasChannel)

	line, err = p.parse("@dutctl:psumeas:load:10:vdd")
	require.NoError(t, err)
	require.True(t, line.HasSupply)
	require.False(t, line.HasChannel)
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	p := newParser("dutctl")
	for _, raw := range []string{
		"@dutctl:bogus:x",
		"@dutctl:psumeas:idle",          // missing delay
		"@dutctl:psumeas:idle:soon",     // non-numeric delay
		"@dutctl:psuctl:notanumber:100", // non-numeric voltage
		"@dutctl:dutmeas:keyonly",
		"@other:dutmeas:cycles:1000", // wrong tool
		"noise",
	} {
		t.Run(raw, func(t *testing.T) {
			t.Parallel()
			_, err := p.parse(raw)
			require.Error(t, err)
		})
	}
}
