package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "node:\n  port: 5001\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5001, cfg.Node.Port)
	assert.True(t, cfg.DirectMessaging.Enabled)
	assert.Equal(t, "/diiisco/direct/1.0.0", cfg.DirectMessaging.Protocol)
	assert.Equal(t, "cheapest", cfg.QuoteEngine.QuoteSelectionFunction)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, "not_a_real_key: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestLoadRejectsInvalidSelectionFunction(t *testing.T) {
	path := writeTemp(t, "quoteEngine:\n  quoteSelectionFunction: coinflip\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("DIIISCO_NODE_PORT", "9999")
	path := writeTemp(t, "node:\n  port: 4001\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Node.Port)
}
