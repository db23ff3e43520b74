package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"slsframe-go/internal/config"
	"slsframe-go/internal/file"
	"slsframe-go/internal/ingest"
	"slsframe-go/internal/output"
	"slsframe-go/internal/pipeline"
	"slsframe-go/internal/processing"
	"slsframe-go/internal/server"
	"slsframe-go/internal/simulator"
	"slsframe-go/internal/types"
)

func main() {
	def := config.Default()
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		port       = flag.Int("port", def.Port, "HTTP port for status and websocket clients")
		endpoint   = flag.String("endpoint", def.Endpoint, "ZMQ endpoint of the detector stream")
		socketType = flag.String("socket", def.SocketType, "Receive socket type: sub or pull")
		bind       = flag.Bool("bind", def.Bind, "Bind the endpoint instead of connecting")
		parts      = flag.Int("parts", def.Parts, "Payload parts stacked into one frame")
		input      = flag.String("input", def.Input, "Read frames from a numpy or raw master file instead of the stream")
		replayRate = flag.Float64("replay-rate", def.ReplayRate, "File replay rate in frames per second (0 for unthrottled)")
		rows       = flag.Int("rows", def.Rows, "Frame rows of the stream")
		cols       = flag.Int("cols", def.Cols, "Frame columns of the stream")
		window     = flag.Int("window", def.Window, "Cluster window side length (odd)")
		threshold  = flag.Float64("threshold", def.Threshold, "Cluster seed threshold")
		pedestal   = flag.Int("pedestal-frames", def.PedestalFrames, "Leading frames used to build the pedestal")
		queueCap   = flag.Int("queue", def.QueueCapacity, "Frame queue capacity")
		policy     = flag.String("backpressure", def.Backpressure, "Full queue policy: drop or stall")
		debug      = flag.Bool("debug", def.Debug, "Run with simulated frames")
		debugRate  = flag.Float64("debug-acq-rate", def.DebugAcqRate, "Simulated acquisition rate (frames/sec)")
		uiRate     = flag.Duration("ui-rate", def.UIRate, "Snapshot interval for websocket clients")
		flushEvery = flag.Int("flush-every", def.FlushEvery, "Write and reset the hit map every N frames (0 at exit only)")
		outputDir  = flag.String("output-dir", def.OutputDir, "Directory for output files")
		hitLog     = flag.Bool("hit-log", def.HitLog, "Record hits to a CBOR hit log")
		clusters   = flag.String("cluster-file", def.ClusterFile, "Write 3x3 clusters of every frame to this file")
		logEvery   = flag.Int("log-every", def.LogEvery, "Log every Nth repeated error")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "endpoint":
			cfg.Endpoint = *endpoint
		case "socket":
			cfg.SocketType = *socketType
		case "bind":
			cfg.Bind = *bind
		case "parts":
			cfg.Parts = *parts
		case "input":
			cfg.Input = *input
		case "replay-rate":
			cfg.ReplayRate = *replayRate
		case "rows":
			cfg.Rows = *rows
		case "cols":
			cfg.Cols = *cols
		case "window":
			cfg.Window = *window
		case "threshold":
			cfg.Threshold = *threshold
		case "pedestal-frames":
			cfg.PedestalFrames = *pedestal
		case "queue":
			cfg.QueueCapacity = *queueCap
		case "backpressure":
			cfg.Backpressure = *policy
		case "debug":
			cfg.Debug = *debug
		case "debug-acq-rate":
			cfg.DebugAcqRate = *debugRate
		case "ui-rate":
			cfg.UIRate = *uiRate
		case "flush-every":
			cfg.FlushEvery = *flushEvery
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "hit-log":
			cfg.HitLog = *hitLog
		case "cluster-file":
			cfg.ClusterFile = *clusters
		case "log-every":
			cfg.LogEvery = *logEvery
		}
	})
	if cfg.Debug && (cfg.Rows < 1 || cfg.Cols < 1) {
		cfg.Rows, cfg.Cols = 256, 256
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, receiver, closeSrc, err := openSource(ctx, &cfg, logger)
	if err != nil {
		logger.Error("open frame source", "err", err)
		os.Exit(1)
	}
	defer closeSrc()

	proc, err := processing.NewProcessor(cfg.ProcessorConfig(cfg.Rows, cfg.Cols))
	if err != nil {
		logger.Error("create processor", "err", err)
		os.Exit(2)
	}

	uiMessages := make(chan any, 16)
	runTimestamp := processing.Timestamp()
	flushes := 0
	writeHitMap := func(snap types.HitMapSnapshot) error {
		name, err := output.WriteHitMap(cfg.OutputDir, fmt.Sprintf("%s_%04d", runTimestamp, flushes), snap)
		flushes++
		if err == nil {
			logger.Info("wrote hit map", "file", name, "frames", snap.Frames, "hits", snap.Hits)
		}
		return err
	}
	agg := processing.NewAggregator(cfg.Rows, cfg.Cols, cfg.FlushEvery)
	hitMap := pipeline.NewHitMapSink(agg, cfg.UIRate, uiMessages, writeHitMap)
	sinks := []pipeline.Sink{hitMap}
	if cfg.HitLog {
		w, err := output.NewHitLogWriter(cfg.OutputDir, "hits")
		if err != nil {
			logger.Error("start hit log", "err", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.Info("recording hits", "file", w.Path(), "run", w.RunID())
		sinks = append(sinks, w)
	}
	if cfg.ClusterFile != "" {
		w, err := output.CreateClusterFile(cfg.ClusterFile)
		if err != nil {
			logger.Error("create cluster file", "err", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.Info("recording clusters", "file", w.Path())
		sinks = append(sinks, w)
	}

	p, err := pipeline.New(src, proc, cfg.PipelineConfig(), pipeline.WithLogger(logger), pipeline.WithSinks(sinks...))
	if err != nil {
		logger.Error("create pipeline", "err", err)
		os.Exit(2)
	}

	started := time.Now()
	statusFn := func() map[string]any {
		status := map[string]any{
			"uptime_seconds": time.Since(started).Seconds(),
		}
		metrics := map[string]any{"pipeline": p.Stats()}
		if receiver != nil {
			metrics["receiver"] = receiver.Stats().Snapshot()
		}
		status["metrics"] = metrics
		return status
	}
	snapshotFn := func() any {
		snap, ok := hitMap.Latest()
		if !ok {
			return nil
		}
		return snap
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(serverCtx, cfg, uiMessages, statusFn, snapshotFn, logger); err != nil {
			logger.Error("server stopped", "err", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-serverCtx.Done():
				return
			case <-ticker.C:
				s := p.Stats()
				logger.Info("pipeline stats", "produced", s.Produced, "consumed", s.Consumed,
					"dropped", s.Dropped, "hits", s.Hits, "timeouts", s.Timeouts, "queued", s.Queued)
			}
		}
	}()

	runErr := p.Run(ctx)

	if final := hitMap.Flush(); final.Frames > 0 {
		if err := writeHitMap(final); err != nil {
			logger.Error("write hit map", "err", err)
		}
	}
	stopServer()
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("pipeline failed", "err", runErr)
		os.Exit(1)
	}
}

// openSource picks the file, simulator or stream input and fills in the
// frame shape when the input defines it.
func openSource(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (pipeline.FrameSource, *ingest.Receiver, func(), error) {
	switch {
	case cfg.Input != "":
		rawCfg, err := cfg.RawFileConfig()
		if err != nil {
			return nil, nil, nil, err
		}
		f, err := file.Open(cfg.Input, file.WithLogger(logger), file.WithRawConfig(rawCfg))
		if err != nil {
			return nil, nil, nil, err
		}
		cfg.Rows, cfg.Cols = f.Rows(), f.Cols()
		logger.Info("reading file", "path", f.Path(), "format", f.Format(),
			"frames", f.TotalFrames(), "rows", f.Rows(), "cols", f.Cols(), "dtype", f.DType())
		return pipeline.NewFileSource(f, cfg.ReplayRate), nil, func() { _ = f.Close() }, nil

	case cfg.Debug:
		sim := simulator.DefaultConfig(cfg.Rows, cfg.Cols)
		sim.Rate = cfg.DebugAcqRate
		sim.Peaks = cfg.DebugPeaks
		frames, err := simulator.Stream(ctx, sim)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("running simulator", "rows", cfg.Rows, "cols", cfg.Cols, "rate", sim.Rate)
		return pipeline.ChanSource(frames), nil, func() {}, nil
	}

	sockType, err := ingest.ParseSocketType(cfg.SocketType)
	if err != nil {
		return nil, nil, nil, err
	}
	r := ingest.NewReceiver(cfg.Endpoint,
		ingest.WithSocketType(sockType),
		ingest.WithTimeout(cfg.ReceiveTimeout),
		ingest.WithHWM(cfg.ReceiveHWM),
		ingest.WithFrameSize(cfg.Rows*cfg.Cols*2),
		ingest.WithLogger(logger),
		ingest.WithLogEvery(cfg.LogEvery))
	if cfg.Bind {
		err = r.Bind()
	} else {
		err = r.Connect()
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return ingest.NewSource(r, cfg.Parts, cfg.StopAtEnd), r, func() { _ = r.Close() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
