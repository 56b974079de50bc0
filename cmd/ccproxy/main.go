package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cc7173757/ccproxy"
)

func main() {
	path := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	conf, err := ccproxy.LoadConfig(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, closeLog, err := newLogger(conf.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ccproxy.New(conf, log).Run(ctx); err != nil {
		log.Error("proxy: " + err.Error())
		closeLog()
		os.Exit(1)
	}
}

// newLogger builds the root logger from the log configuration, writing to
// stdout and, if configured, appending to a file as well.
func newLogger(conf ccproxy.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch conf.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stdout
	closeLog := func() {}
	if conf.File != "" {
		f, err := os.OpenFile(conf.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closeLog = func() {
			_ = f.Close()
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if conf.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closeLog, nil
}
