// Package logx provides the engine's logger handles. Components receive
// a *log.Logger explicitly; there is no package-level logger.
package logx

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls rotation of the engine log file.
type Options struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Tee mirrors log lines to stderr in addition to the file.
	Tee bool
}

// New returns a logger writing to <dir>/parquedb.log with rotation.
// A quiet logger (dir == "") discards everything.
func New(dir string, opts Options) *log.Logger {
	if dir == "" {
		return log.New(io.Discard, "", 0)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "parquedb.log"),
		MaxSize:    defaultInt(opts.MaxSizeMB, 20),
		MaxBackups: defaultInt(opts.MaxBackups, 3),
		MaxAge:     defaultInt(opts.MaxAgeDays, 14),
		Compress:   true,
	}
	var w io.Writer = rotator
	if opts.Tee {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds)
}

// Discard returns a logger that drops all output. Used in tests and by
// callers that opt out of engine logging.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
