package preset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"autoquant/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePresets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuiltinTunedWithoutFile(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	name, params, err := reg.Resolve(TunedName, nil)
	require.NoError(t, err)
	assert.Equal(t, strategy.MACrossName, name)
	assert.Equal(t, 7, params["short_period"])
	assert.Equal(t, 35, params["long_period"])

	st, err := strategy.New(name, params)
	require.NoError(t, err)
	assert.Equal(t, 36, st.Warmup())
}

func TestFilePresetsOverrideAndExtend(t *testing.T) {
	path := writePresets(t, `
presets:
  Turtle:
    strategy: breakout
    description: " 海龟 "
    params:
      entry_lookback: 55
      exit_lookback: 20
  tuned:
    strategy: ma_cross
    params:
      short_period: 9
      long_period: 30
`)
	reg, err := NewRegistry(path)
	require.NoError(t, err)

	turtle, ok := reg.Get("turtle")
	require.True(t, ok)
	assert.Equal(t, strategy.BreakoutName, turtle.Strategy)
	assert.Equal(t, "海龟", turtle.Description)

	_, params, err := reg.Resolve("tuned", map[string]any{"rsi_upper": "70"})
	require.NoError(t, err)
	assert.Equal(t, 9, params["short_period"])
	assert.Equal(t, "70", params["rsi_upper"])

	names := make([]string, 0)
	for _, p := range reg.List() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"tuned", "turtle"}, names)
}

func TestSchemaRejectsBadPreset(t *testing.T) {
	cases := map[string]string{
		"unknown_key": "presets:\n  x:\n    strategy: ma_cross\n    params:\n      fast: 3\n",
		"range":       "presets:\n  x:\n    strategy: ma_cross\n    params:\n      stop_loss_pct: 2\n",
		"cross_field": "presets:\n  x:\n    strategy: ma_cross\n    params:\n      short_period: 40\n      long_period: 20\n",
		"strategy":    "presets:\n  x:\n    strategy: grid\n",
		"yaml_field":  "presets:\n  x:\n    strategy: ma_cross\n    weight: 1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(writePresets(t, body))
			assert.Error(t, err)
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)
	_, _, err = reg.Resolve("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownPreset)
	assert.ErrorIs(t, reg.ValidateParams("grid", nil), strategy.ErrUnknownStrategy)
}

func TestGetReturnsCopy(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)
	p, ok := reg.Get(TunedName)
	require.True(t, ok)
	p.Params["short_period"] = 99
	again, _ := reg.Get(TunedName)
	assert.Equal(t, 7, again.Params["short_period"])
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writePresets(t, "presets:\n  fast:\n    strategy: ma_cross\n    params:\n      short_period: 3\n")
	reg, err := NewRegistry(path)
	require.NoError(t, err)
	changed := make(chan Snapshot, 4)
	reg.OnChange(func(s Snapshot) { changed <- s })
	reg.Watch()

	require.NoError(t, os.WriteFile(path, []byte("presets:\n  fast:\n    strategy: ma_cross\n    params:\n      short_period: 4\n"), 0o644))
	select {
	case snap := <-changed:
		assert.Greater(t, snap.Version, int64(1))
	case <-time.After(5 * time.Second):
		t.Skip("文件事件未送达，跳过热加载断言")
	}
	assert.Eventually(t, func() bool {
		p, ok := reg.Get("fast")
		return ok && p.Params["short_period"] == 4
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShippedPresetsAreValid(t *testing.T) {
	reg, err := NewRegistry(filepath.Join("..", "..", "..", "configs", "strategies.yaml"))
	require.NoError(t, err)
	for _, name := range []string{TunedName, "ma_cross_sma_slow", "breakout_daily"} {
		strategyName, params, err := reg.Resolve(name, nil)
		require.NoError(t, err, name)
		_, err = strategy.New(strategyName, params)
		assert.NoError(t, err, name)
	}
}
