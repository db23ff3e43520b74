package config

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slsframe-go/internal/numpy"
	"slsframe-go/internal/pipeline"
	"slsframe-go/internal/rawfile"
	"slsframe-go/internal/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "app.yaml", `
endpoint: tcp://det:30001
socket_type: pull
rows: 512
cols: 1024
window: 5
threshold: 42.5
receive_timeout: 250ms
backpressure: stall
transforms:
  1: flip
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tcp://det:30001", cfg.Endpoint)
	assert.Equal(t, 250*time.Millisecond, cfg.ReceiveTimeout)
	assert.Equal(t, 5, cfg.Window)
	assert.Equal(t, 42.5, cfg.Threshold)
	// untouched keys keep their defaults
	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, 64, cfg.QueueCapacity)

	pc := cfg.PipelineConfig()
	assert.Equal(t, pipeline.PolicyStall, pc.Policy)
	assert.True(t, pc.DrainOnStop)

	rc, err := cfg.RawFileConfig()
	require.NoError(t, err)
	assert.Equal(t, map[int]rawfile.TransformKind{1: rawfile.Flip}, rc.Overrides)

	proc := cfg.ProcessorConfig(cfg.Rows, cfg.Cols)
	assert.Equal(t, 512, proc.Rows)
	assert.Equal(t, 5, proc.Window)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "app.yaml", "windw: 3\n"))
	assert.ErrorIs(t, err, types.ErrConfig)

	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Rows, base.Cols = 4, 4
	require.NoError(t, base.Validate())

	for name, mutate := range map[string]func(*AppConfig){
		"even window":    func(c *AppConfig) { c.Window = 4 },
		"zero queue":     func(c *AppConfig) { c.QueueCapacity = 0 },
		"socket type":    func(c *AppConfig) { c.SocketType = "dealer" },
		"policy":         func(c *AppConfig) { c.Backpressure = "block" },
		"transform":      func(c *AppConfig) { c.Transforms = map[int]string{0: "rotate"} },
		"stream shape":   func(c *AppConfig) { c.Rows = 0 },
		"negative flush": func(c *AppConfig) { c.FlushEvery = -1 },
		"zero timeout":   func(c *AppConfig) { c.ReceiveTimeout = 0 },
		"negative wait":  func(c *AppConfig) { c.ReceiveTimeout = -time.Second },
		"cluster window": func(c *AppConfig) { c.ClusterFile, c.Window = "out.clust", 5 },
	} {
		cfg := base
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), types.ErrConfig, name)
	}

	fileInput := base
	fileInput.Rows, fileInput.Input = 0, "run_master_0.json"
	fileInput.ReceiveTimeout = 0
	assert.NoError(t, fileInput.Validate())

	clusters := base
	clusters.ClusterFile = "out.clust"
	assert.NoError(t, clusters.Validate())
}

func TestLoadPixelMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.npy")
	data := make([]byte, 4*4)
	for i, v := range []uint32{3, 2, 1, 0} {
		binary.LittleEndian.PutUint32(data[i*4:], v)
	}
	require.NoError(t, numpy.SaveArray(path, types.Uint32, []int{2, 2}, data))

	table, err := LoadPixelMap(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1, 0}, table)

	cfg := Default()
	cfg.PixelMap = path
	rc, err := cfg.RawFileConfig()
	require.NoError(t, err)
	assert.Equal(t, table, rc.PixelMap)

	floats := filepath.Join(t.TempDir(), "f.npy")
	require.NoError(t, numpy.SaveArray(floats, types.Float32, []int{1}, make([]byte, 4)))
	_, err = LoadPixelMap(floats)
	assert.ErrorIs(t, err, types.ErrConfig)
}
