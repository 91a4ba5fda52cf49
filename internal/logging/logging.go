// Package logging wires the process-wide zerolog logger the same way for
// both cmd/proxy and cmd/analysisworker: console output for local
// development plus an append-only JSON log file, unix timestamps, and a
// configurable level.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures Setup.
type Options struct {
	LogFile string // path to the append-only log file; "" disables file output
	Level   zerolog.Level
	Console bool // also mirror to a human-readable console writer on stderr
}

// Setup installs the global zerolog logger and returns a close func for the
// opened log file (nil-safe, callers defer it).
func Setup(opts Options) func() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(opts.Level)

	writers := make([]zerolog.LevelWriter, 0, 2)
	var closer func()

	if opts.Console {
		writers = append(writers, zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}))
	}

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.LogFile).Msg("failed to open log file")
		}
		writers = append(writers, zerolog.MultiLevelWriter(f))
		closer = func() { _ = f.Close() }
	}

	switch len(writers) {
	case 0:
		log.Logger = log.Output(os.Stderr)
	case 1:
		log.Logger = log.Output(writers[0])
	default:
		combined := make([]zerolog.LevelWriter, len(writers))
		copy(combined, writers)
		log.Logger = log.Output(zerolog.MultiLevelWriter(combined...))
	}

	if closer == nil {
		closer = func() {}
	}
	return closer
}
