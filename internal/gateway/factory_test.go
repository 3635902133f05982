package gateway

import (
	"errors"
	"testing"

	"autoquant/internal/backtest"
	"autoquant/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourcesFromConfig(t *testing.T) {
	cfg := config.Default()
	sources, err := NewSourcesFromConfig(cfg.Data)
	require.NoError(t, err)
	assert.Len(t, sources, 3)
	for _, name := range []string{"synthetic", "yahoo", "binance"} {
		require.Contains(t, sources, name)
		assert.Equal(t, name, sources[name].Name())
	}
}

func TestNewSourcesFromConfigUnknownDefault(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Source = "bloomberg"
	_, err := NewSourcesFromConfig(cfg.Data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backtest.ErrUnknownSource))
}
