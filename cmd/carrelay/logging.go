package main

import (
	"io"
	"os"
	"strings"

	"github.com/markus-barta/carrelay/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. Console output is human-readable
// unless LogFormat is json; a rotated JSON file is added when LogFile is set.
func newLogger(cfg *config.Config) zerolog.Logger {
	var console io.Writer = os.Stderr
	if !strings.EqualFold(cfg.LogFormat, "json") {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	out := console
	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxMB,
			MaxBackups: cfg.LogKeep,
			MaxAge:     cfg.LogMaxAge,
			Compress:   true,
		})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
