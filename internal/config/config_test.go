package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/types"
)

func writeEngineToml(t *testing.T, body string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "conf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "conf", "engine.toml"), []byte(body), 0o644))
	return root
}

func TestDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, types.RobustNormal, cfg.Robustness())
	assert.Equal(t, 10000, cfg.Performance.RateLimitRPS)
	assert.Equal(t, 2, cfg.Performance.ParseWorkers)
	assert.Equal(t, "models/wpl", cfg.Models.WPL)
	assert.Equal(t, "./data/rescue", cfg.Rescue.Path)
	assert.False(t, cfg.SkipParse)
	assert.False(t, cfg.SkipSink)
}

func TestFileOverridesDefaults(t *testing.T) {
	root := writeEngineToml(t, `
robust = "Strict"
skip_sink = true

[performance]
rate_limit_rps = 500
parse_workers = 8

[rescue]
path = "/var/rescue"
`)
	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, types.RobustStrict, cfg.Robustness())
	assert.Equal(t, 500, cfg.Performance.RateLimitRPS)
	assert.Equal(t, 8, cfg.Performance.ParseWorkers)
	assert.Equal(t, "/var/rescue", cfg.AbsRescuePath())
	assert.True(t, cfg.SkipSink)
}

func TestLegacyDataPathRejected(t *testing.T) {
	root := writeEngineToml(t, `
[rescue]
data_path = "./old"
`)
	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_path")
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("WPARSE_PARSE_WORKERS", "16")
	t.Setenv("WPARSE_SKIP_PARSE", "true")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Performance.ParseWorkers)
	assert.True(t, cfg.SkipParse)
}

func TestStatRequestValidation(t *testing.T) {
	root := writeEngineToml(t, `
[[stat.requests]]
name = "bad"
stage = "warp"
collect = []
top_n = 5
`)
	_, err := Load(root)
	assert.Error(t, err)

	root2 := writeEngineToml(t, `
[[stat.requests]]
name = "too-many-dims"
stage = "parse"
collect = ["a", "b", "c", "d", "e", "f", "g"]
top_n = 5
`)
	_, err = Load(root2)
	assert.Error(t, err)

	root3 := writeEngineToml(t, `
[[stat.requests]]
name = "ok"
stage = "parse"
target = "all"
collect = ["rule"]
top_n = 10
`)
	cfg, err := Load(root3)
	require.NoError(t, err)
	require.Len(t, cfg.Stat.Requests, 1)
	assert.Equal(t, "ok", cfg.Stat.Requests[0].Name)
}

func TestEffectiveParamsHonorsAllowOverride(t *testing.T) {
	conn := ConnectorDecl{
		ID:            "file-std",
		Type:          "file",
		AllowOverride: []string{"path"},
		DefaultParams: map[string]any{"path": "/var/log/syslog", "poll": false},
	}

	merged, err := EffectiveParams(conn, SourceEntry{Key: "s1", Connect: "file-std",
		ParamsOverride: map[string]any{"path": "/tmp/x.log"}})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.log", merged["path"])
	assert.Equal(t, false, merged["poll"])

	_, err = EffectiveParams(conn, SourceEntry{Key: "s2", Connect: "file-std",
		ParamsOverride: map[string]any{"poll": true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_override")
}

func TestLoadSinkGroupDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.toml"), []byte(`
[[groups]]
kind = "flexi"
name = "web"
rule = ["nginx/*"]
oml = ["nginx_*"]
parallel = 2

[groups.backend]
type = "local_file"

[groups.backend.local_file]
directory = "out"
`), 0o644))

	groups, err := LoadSinkGroupDir(dir)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "web", groups[0].Name)
	assert.Equal(t, 2, groups[0].Parallel)
	assert.Equal(t, "local_file", groups[0].Backend.Type)
	assert.Equal(t, []string{"nginx/*"}, groups[0].Rule)
}
