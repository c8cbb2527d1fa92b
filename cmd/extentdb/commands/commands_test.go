package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/extentdb/internal/bytesize"
	"github.com/marmos91/extentdb/pkg/cache"
	"github.com/marmos91/extentdb/pkg/config"
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, outputFormat = "", "table"
	initForce, initDir = false, ""
	statExtents = false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig saves a small-footprint configuration and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.GetDefaultConfig()
	cfg.Logging.Level = "ERROR"
	cfg.Engine.Dir = filepath.Join(dir, "data")
	cfg.Engine.BlockerWorkers = 2
	cfg.Serializer.ExtentSize = 64 * bytesize.KiB
	cfg.Serializer.FileZoneSize = 64 * bytesize.KiB
	cfg.Cache.MaxSize = 1 * bytesize.MiB
	cfg.Cache.MaxDirtySize = 512 * bytesize.KiB
	cfg.Cache.FlushDirtySize = 128 * bytesize.KiB
	cfg.Cache.FlushTimer = cache.Never
	require.NoError(t, config.Validate(cfg))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "extentdb dev")

	out, err = execute(t, "version", "-o", "json")
	require.NoError(t, err)
	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestInitStatCompact(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "init", "--config", path, "--meta", "owner=ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Store initialized in")
	assert.NotContains(t, out, "Configuration file created", "an existing config is reused")

	_, err = execute(t, "init", "--config", path)
	assert.Error(t, err, "a store is initialized only once")

	out, err = execute(t, "stat", "--config", path, "-o", "json")
	require.NoError(t, err)
	var report statReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "ops", report.Metainfo["owner"])
	assert.Contains(t, report.Metainfo["created_by"], "extentdb")
	assert.Equal(t, 4096, report.Stats.Info.BlockSize)
	assert.Equal(t, 0, report.Stats.Serializer.Blocks)
	assert.Empty(t, report.Extents)

	out, err = execute(t, "stat", "--config", path, "--extents")
	require.NoError(t, err)
	assert.Contains(t, out, "SERIALIZER")
	assert.Contains(t, out, "meta.owner")

	out, err = execute(t, "compact", "--config", path, "-o", "json")
	require.NoError(t, err)
	var cr compactReport
	require.NoError(t, json.Unmarshal([]byte(out), &cr))
	assert.Equal(t, 0, cr.Reconcile.Drifted)
	assert.False(t, cr.After.GCActive)
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extentdb.yaml")
	data := filepath.Join(dir, "store")

	out, err := execute(t, "init", "--config", path, "--dir", data)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration file created at")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, data, cfg.Engine.Dir, "--dir is saved to a new config file")

	engineCfg, err := config.LoadEngineConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Serializer.BlockSize, engineCfg.Serializer.BlockSize)
}

func TestStatWithoutConfig(t *testing.T) {
	_, err := execute(t, "stat", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extentdb init --config")
}

func TestInvalidOutputFormat(t *testing.T) {
	_, err := execute(t, "version", "-o", "xml")
	assert.ErrorContains(t, err, "invalid output format")
}
