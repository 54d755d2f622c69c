package bbgo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type demoStrategy struct {
	Symbol    string  `json:"symbol" yaml:"symbol"`
	BudgetPct float64 `json:"budgetPct" yaml:"budgetPct"`
}

func (s *demoStrategy) ID() string { return "demo" }

func TestLoadAndReUnmarshal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	content := `
strategies:
  - demo:
      symbol: btc
      budgetPct: 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Strategies, 1)

	RegisterStrategy("demo", &demoStrategy{})
	defer func() {
		loadedStrategiesMu.Lock()
		delete(loadedStrategies, "demo")
		loadedStrategiesMu.Unlock()
	}()

	loaded, err := LoadStrategies(cfg)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	demo, ok := loaded[0].(*demoStrategy)
	require.True(t, ok)
	assert.Equal(t, "btc", demo.Symbol)
	assert.InDelta(t, 0.4, demo.BudgetPct, 1e-9)
}

func TestLoadStrategiesUnknownID(t *testing.T) {
	cfg := &Config{Strategies: []StrategyConfigEntry{{"nope": map[string]any{}}}}
	_, err := LoadStrategies(cfg)
	assert.Error(t, err)
}

func TestRegisterStrategyDuplicatePanics(t *testing.T) {
	RegisterStrategy("dup-test", &demoStrategy{})
	defer func() {
		loadedStrategiesMu.Lock()
		delete(loadedStrategies, "dup-test")
		loadedStrategiesMu.Unlock()
	}()
	assert.Panics(t, func() { RegisterStrategy("dup-test", &demoStrategy{}) })
}
