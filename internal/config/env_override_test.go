package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_PROBE_TMPDIR", "/tmp/warden-probes")
	t.Setenv("WARDEN_PROBE_PREFIX", "custom-probe")
	t.Setenv("WARDEN_CONTEXT_RESET_DIRECTIVE", "/reset\n")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/warden-probes", cfg.Probe.TempDir)
	assert.Equal(t, "custom-probe", cfg.Probe.ScreenPrefix)
	assert.Equal(t, "/reset\n", cfg.Bridge.ContextResetDirective)
}

func TestApplyEnvOverridesLeavesUnsetFieldsAlone(t *testing.T) {
	os.Unsetenv("WARDEN_PROBE_TMPDIR")
	os.Unsetenv("WARDEN_PROBE_PREFIX")
	os.Unsetenv("WARDEN_CONTEXT_RESET_DIRECTIVE")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, DefaultConfig().Probe.ScreenPrefix, cfg.Probe.ScreenPrefix)
	assert.Equal(t, DefaultConfig().Bridge.ContextResetDirective, cfg.Bridge.ContextResetDirective)
}
