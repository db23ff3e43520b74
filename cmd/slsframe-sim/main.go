package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"slsframe-go/internal/ingest"
	"slsframe-go/internal/simulator"
)

func main() {
	var (
		endpoint = flag.String("endpoint", "tcp://*:30001", "ZMQ endpoint to bind")
		push     = flag.Bool("push", false, "Use a PUSH socket instead of PUB")
		encoding = flag.String("encoding", "json", "Header encoding: json or cbor")
		inline   = flag.Bool("inline", false, "Send pixels inside CBOR headers")
		rows     = flag.Int("rows", 512, "Frame rows")
		cols     = flag.Int("cols", 1024, "Frame columns")
		rate     = flag.Float64("rate", 100, "Frames per second")
		frames   = flag.Int("frames", 0, "Stop after this many frames (0 runs until interrupted)")
		peaks    = flag.Int("peaks", 5, "Photon peaks per frame")
		noise    = flag.Float64("noise", 5, "Pedestal noise sigma")
		warmup   = flag.Duration("warmup", 500*time.Millisecond, "Wait for subscribers before sending")
		level    = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger := newLogger(*level)
	enc, err := ingest.ParseEncoding(*encoding)
	if err != nil {
		logger.Error("invalid flags", "err", err)
		os.Exit(2)
	}

	opts := []ingest.SenderOption{ingest.WithEncoding(enc), ingest.WithSenderLogger(logger)}
	if *push {
		opts = append(opts, ingest.WithSenderSocketType(zmq4.PUSH))
	}
	if *inline {
		opts = append(opts, ingest.WithInlineFrames())
	}
	sender := ingest.NewSender(*endpoint, opts...)
	if err := sender.Bind(); err != nil {
		logger.Error("bind failed", "err", err)
		os.Exit(1)
	}
	defer sender.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		return
	case <-time.After(*warmup):
	}

	cfg := simulator.DefaultConfig(*rows, *cols)
	cfg.Rate = *rate
	cfg.Frames = *frames
	cfg.Peaks = *peaks
	cfg.Noise = *noise
	if err := simulator.Publish(ctx, cfg, sender); err != nil {
		logger.Error("publish failed", "err", err)
		os.Exit(1)
	}
	logger.Info("simulator finished", "sent", sender.Sent())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
