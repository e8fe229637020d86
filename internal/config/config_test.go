package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPoolAppliesDefaultsAndValidates(t *testing.T) {
	path := writeTempConfig(t, `
template_provider:
  kind: sv2tp
  address: "127.0.0.1:8442"
`)
	cfg, err := LoadPool(path)
	require.NoError(t, err)
	require.Equal(t, 34254, cfg.Server.Port)
	require.Equal(t, 1, cfg.Mining.ShareBatchSize)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadPoolRejectsUnknownTemplateProviderKind(t *testing.T) {
	path := writeTempConfig(t, `
template_provider:
  kind: made_up
`)
	_, err := LoadPool(path)
	require.Error(t, err)
}

func TestLoadJDCRequiresUpstreams(t *testing.T) {
	path := writeTempConfig(t, `
template_provider:
  kind: sv2tp
`)
	_, err := LoadJDC(path)
	require.Error(t, err)
}

func TestLoadJDCDefaultsMode(t *testing.T) {
	path := writeTempConfig(t, `
template_provider:
  kind: sv2tp
upstreams:
  - address: "pool.example:34254"
`)
	cfg, err := LoadJDC(path)
	require.NoError(t, err)
	require.Equal(t, JDModeFullTemplate, cfg.Mode)
}

func TestLoadTranslatorRejectsBadMode(t *testing.T) {
	path := writeTempConfig(t, `
template_provider:
  kind: sv2tp
upstreams:
  - address: "pool.example:34254"
mode: not_a_mode
`)
	_, err := LoadTranslator(path)
	require.Error(t, err)
}

func TestLoadTranslatorAppliesVardiffDefaults(t *testing.T) {
	path := writeTempConfig(t, `
template_provider:
  kind: sv2tp
upstreams:
  - address: "pool.example:34254"
`)
	cfg, err := LoadTranslator(path)
	require.NoError(t, err)
	require.Equal(t, TProxyModeAggregated, cfg.Mode)
	require.Equal(t, 1.0, cfg.Mining.InitialDifficulty)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("SV2POOL_TEST_HOST", "10.0.0.5")
	path := writeTempConfig(t, `
server:
  host: "${SV2POOL_TEST_HOST}"
template_provider:
  kind: sv2tp
`)
	cfg, err := LoadPool(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.Server.Host)
}
