package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"slsframe-go/internal/config"
	"slsframe-go/internal/file"
	"slsframe-go/internal/numpy"
	"slsframe-go/internal/output"
	"slsframe-go/internal/processing"
	"slsframe-go/internal/rawfile"
	"slsframe-go/internal/types"
)

type frameSummary struct {
	Frame uint64      `json:"frame"`
	Hits  []types.Hit `json:"hits,omitempty"`
	Count int         `json:"count"`
}

func main() {
	var (
		path      = flag.String("path", "", "Numpy file or raw master file")
		seek      = flag.Int("seek", 0, "First frame to read")
		frames    = flag.Int("frames", 0, "Frames to read (0 for all)")
		window    = flag.Int("window", 3, "Cluster window side length (odd)")
		threshold = flag.Float64("threshold", 100, "Cluster seed threshold")
		pedestal  = flag.Int("pedestal-frames", 0, "Leading frames used to build the pedestal")
		gapRow    = flag.Int("gap-row", 0, "Pixels inserted between module rows")
		gapCol    = flag.Int("gap-col", 0, "Pixels inserted between module columns")
		pixelMap  = flag.String("pixel-map", "", "Numpy pixel map replacing the default readout order")
		exportNpy = flag.String("npy", "", "Also write the frames read to this numpy file")
		withHits  = flag.Bool("hits", false, "Print every hit, not only counts")
		clusters  = flag.String("clusters", "", "Also write 3x3 clusters to this cluster file (needs -window 3)")
		showInfo  = flag.Bool("info", false, "Print the file layout and exit")
		logLevel  = flag.String("log-level", "warn", "Log level")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	if *path == "" {
		logger.Error("path is required")
		os.Exit(2)
	}

	cfg := config.Default()
	cfg.Input = *path
	cfg.Window = *window
	cfg.Threshold = *threshold
	cfg.PedestalFrames = *pedestal
	cfg.ModuleGapRow, cfg.ModuleGapCol = *gapRow, *gapCol
	cfg.PixelMap = *pixelMap
	cfg.ClusterFile = *clusters
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid flags", "err", err)
		os.Exit(2)
	}
	rawCfg, err := cfg.RawFileConfig()
	if err != nil {
		logger.Error("raw file config", "err", err)
		os.Exit(2)
	}

	f, err := file.Open(*path, file.WithLogger(logger), file.WithRawConfig(rawCfg))
	if err != nil {
		logger.Error("open", "path", *path, "err", err)
		os.Exit(1)
	}
	defer f.Close()

	if *showInfo {
		printInfo(f)
		return
	}

	if err := f.Seek(*seek); err != nil {
		logger.Error("seek", "frame", *seek, "err", err)
		os.Exit(1)
	}

	proc, err := processing.NewProcessor(cfg.ProcessorConfig(f.Rows(), f.Cols()))
	if err != nil {
		logger.Error("create processor", "err", err)
		os.Exit(2)
	}

	var export *numpy.File
	if *exportNpy != "" {
		export, err = file.Create(*exportNpy, types.FileConfig{DType: f.DType(), Rows: f.Rows(), Cols: f.Cols()})
		if err != nil {
			logger.Error("create export", "err", err)
			os.Exit(1)
		}
	}

	var clusterFile *output.ClusterFileWriter
	if cfg.ClusterFile != "" {
		clusterFile, err = output.CreateClusterFile(cfg.ClusterFile)
		if err != nil {
			logger.Error("create cluster file", "err", err)
			os.Exit(1)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	frame := types.NewFrame(f.Rows(), f.Cols(), f.DType())
	total := 0
	for *frames == 0 || total < *frames {
		if err := f.ReadInto(frame); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logger.Error("read", "frame", f.Tell(), "err", err)
			os.Exit(1)
		}
		total++
		if export != nil {
			if err := export.Write(frame); err != nil {
				logger.Error("export", "err", err)
				os.Exit(1)
			}
		}
		calibrating := proc.Calibrating()
		hits, err := proc.ProcessFrame(frame)
		if err != nil {
			logger.Error("cluster finding", "frame", frame.Number, "err", err)
			continue
		}
		if calibrating {
			continue
		}
		if clusterFile != nil {
			if err := clusterFile.Consume(frame, hits); err != nil {
				logger.Error("write clusters", "frame", frame.Number, "err", err)
				os.Exit(1)
			}
		}
		summary := frameSummary{Frame: frame.Number, Count: len(hits)}
		if *withHits {
			summary.Hits = hits
		}
		_ = enc.Encode(summary)
	}

	if export != nil {
		if err := export.Close(); err != nil {
			logger.Error("close export", "err", err)
			os.Exit(1)
		}
	}
	if clusterFile != nil {
		if err := clusterFile.Close(); err != nil {
			logger.Error("close cluster file", "err", err)
			os.Exit(1)
		}
		logger.Info("wrote clusters", "file", clusterFile.Path(), "frames", clusterFile.Frames(), "clusters", clusterFile.Clusters())
	}
	logger.Info("done", "frames", total)
}

func printInfo(f *file.File) {
	fmt.Printf("path:    %s\n", f.Path())
	fmt.Printf("format:  %s\n", f.Format())
	fmt.Printf("frames:  %d\n", f.TotalFrames())
	fmt.Printf("shape:   %d x %d %s\n", f.Rows(), f.Cols(), f.DType())
	raw, ok := f.Reader.(*rawfile.RawFile)
	if !ok {
		return
	}
	m := raw.Master()
	fmt.Printf("detector: %s (version %s)\n", m.Detector, m.Version)
	fmt.Printf("geometry: %s modules of %d x %d\n", m.Geometry, m.PartRows, m.PartCols)
	for i := 0; i < m.Geometry.Modules(); i++ {
		fmt.Printf("  module %d: %s\n", i, raw.Transform(i))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
