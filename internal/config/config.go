// Package config loads the settings shared by the command line tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"slsframe-go/internal/ingest"
	"slsframe-go/internal/numpy"
	"slsframe-go/internal/pipeline"
	"slsframe-go/internal/processing"
	"slsframe-go/internal/rawfile"
	"slsframe-go/internal/types"
)

type AppConfig struct {
	Port int `yaml:"port"`

	// Stream input.
	Endpoint       string        `yaml:"endpoint"`
	SocketType     string        `yaml:"socket_type"`
	Bind           bool          `yaml:"bind"`
	Parts          int           `yaml:"parts"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	ReceiveHWM     int           `yaml:"receive_hwm"`
	StopAtEnd      bool          `yaml:"stop_at_end"`

	// File input. Input takes precedence over Endpoint when set.
	Input        string         `yaml:"input"`
	ReplayRate   float64        `yaml:"replay_rate"`
	ModuleGapRow int            `yaml:"module_gap_row"`
	ModuleGapCol int            `yaml:"module_gap_col"`
	PixelMap     string         `yaml:"pixel_map"`
	Transforms   map[int]string `yaml:"transforms"`

	// Frame shape for streams; files carry their own.
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`

	Window         int     `yaml:"window"`
	Threshold      float64 `yaml:"threshold"`
	PedestalFrames int     `yaml:"pedestal_frames"`
	TrackPedestal  bool    `yaml:"track_pedestal"`

	QueueCapacity int    `yaml:"queue_capacity"`
	Backpressure  string `yaml:"backpressure"`
	DrainOnStop   bool   `yaml:"drain_on_stop"`

	Debug        bool    `yaml:"debug"`
	DebugAcqRate float64 `yaml:"debug_acq_rate"`
	DebugPeaks   int     `yaml:"debug_peaks"`

	UIRate     time.Duration `yaml:"ui_rate"`
	FlushEvery int           `yaml:"flush_every"`
	OutputDir  string        `yaml:"output_dir"`
	HitLog     bool          `yaml:"hit_log"`
	LogEvery   int           `yaml:"log_every"`

	// ClusterFile, when set, receives the 3x3 clusters of every frame.
	ClusterFile string `yaml:"cluster_file"`
}

func Default() AppConfig {
	return AppConfig{
		Port:           8888,
		Endpoint:       "tcp://localhost:30001",
		SocketType:     "sub",
		Parts:          1,
		ReceiveTimeout: 500 * time.Millisecond,
		ReceiveHWM:     4,
		Window:         3,
		Threshold:      100,
		QueueCapacity:  64,
		Backpressure:   "drop",
		DrainOnStop:    true,
		DebugAcqRate:   100,
		DebugPeaks:     5,
		UIRate:         time.Second,
		OutputDir:      "output",
		LogEvery:       100,
	}
}

// Load applies the YAML file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %s: %v", types.ErrConfig, path, err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if c.Window < 1 || c.Window%2 == 0 {
		return fmt.Errorf("%w: window must be odd and positive, got %d", types.ErrConfig, c.Window)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("%w: queue capacity must be positive, got %d", types.ErrConfig, c.QueueCapacity)
	}
	if c.Parts < 1 {
		return fmt.Errorf("%w: parts must be positive, got %d", types.ErrConfig, c.Parts)
	}
	if c.PedestalFrames < 0 || c.FlushEvery < 0 {
		return fmt.Errorf("%w: negative frame count", types.ErrConfig)
	}
	if _, err := ingest.ParseSocketType(c.SocketType); err != nil {
		return err
	}
	if _, err := pipeline.ParsePolicy(c.Backpressure); err != nil {
		return err
	}
	for module, name := range c.Transforms {
		if _, err := rawfile.ParseTransformKind(name); err != nil {
			return fmt.Errorf("transform of module %d: %w", module, err)
		}
	}
	if c.Input == "" && !c.Debug {
		if c.Rows < 1 || c.Cols < 1 {
			return fmt.Errorf("%w: stream input needs rows and cols", types.ErrConfig)
		}
		if c.ReceiveTimeout <= 0 {
			return fmt.Errorf("%w: stream input needs a positive receive timeout, got %s", types.ErrConfig, c.ReceiveTimeout)
		}
	}
	if c.ClusterFile != "" && c.Window != 3 {
		return fmt.Errorf("%w: cluster file needs window 3, got %d", types.ErrConfig, c.Window)
	}
	return nil
}

// RawFileConfig builds the raw file assembly settings, loading the pixel
// map from its numpy file.
func (c AppConfig) RawFileConfig() (rawfile.RawFileConfig, error) {
	out := rawfile.RawFileConfig{
		ModuleGapRow: c.ModuleGapRow,
		ModuleGapCol: c.ModuleGapCol,
	}
	if len(c.Transforms) > 0 {
		out.Overrides = make(map[int]rawfile.TransformKind, len(c.Transforms))
		for module, name := range c.Transforms {
			kind, err := rawfile.ParseTransformKind(name)
			if err != nil {
				return out, err
			}
			out.Overrides[module] = kind
		}
	}
	if c.PixelMap != "" {
		table, err := LoadPixelMap(c.PixelMap)
		if err != nil {
			return out, err
		}
		out.PixelMap = table
	}
	return out, nil
}

// ProcessorConfig returns the cluster finding settings for frames of the
// given shape.
func (c AppConfig) ProcessorConfig(rows, cols int) processing.ProcessorConfig {
	return processing.ProcessorConfig{
		Rows:           rows,
		Cols:           cols,
		Window:         c.Window,
		Threshold:      c.Threshold,
		PedestalFrames: c.PedestalFrames,
		TrackPedestal:  c.TrackPedestal,
	}
}

func (c AppConfig) PipelineConfig() pipeline.Config {
	policy, _ := pipeline.ParsePolicy(c.Backpressure)
	cfg := pipeline.DefaultConfig()
	cfg.QueueCapacity = c.QueueCapacity
	cfg.Policy = policy
	cfg.DrainOnStop = c.DrainOnStop
	cfg.LogEvery = c.LogEvery
	return cfg
}

// LoadPixelMap reads an integer numpy array of any shape as a flat pixel
// table.
func LoadPixelMap(path string) ([]int, error) {
	h, data, err := numpy.LoadArray(path)
	if err != nil {
		return nil, err
	}
	if h.DType.Float() {
		return nil, fmt.Errorf("%w: pixel map %s has dtype %s", types.ErrConfig, path, h.DType)
	}
	n := len(data) / h.DType.Bytes()
	values := make([]float64, n)
	flat := &types.Frame{Rows: 1, Cols: n, DType: h.DType, Data: data}
	if err := flat.Float64Into(values); err != nil {
		return nil, err
	}
	table := make([]int, n)
	for i, v := range values {
		table[i] = int(v)
	}
	return table, nil
}
