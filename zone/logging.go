/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package zone

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// StdLogger adapts the standard library's *log.Logger to the Logger
// interface the zone package consumes.
type StdLogger struct {
	*log.Logger
}

// NewFileLogger builds a Logger backed by a size/age-rotated log file.
func NewFileLogger(logfile string) (Logger, error) {
	if logfile == "" {
		return nil, newError(InvalidInput, "", "log file path unspecified")
	}
	w := &lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 3,
		MaxAge:     14,
	}
	return &StdLogger{Logger: log.New(w, "", log.Lshortfile|log.Ltime)}, nil
}

// SetupCliLogging configures the standard logger for command-line output:
// plain with no timestamps by default, file/line info when verbose or debug.
func SetupCliLogging(verbose, debug bool) {
	if verbose || debug {
		log.SetFlags(log.Lshortfile | log.Ltime)
	} else {
		log.SetFlags(0)
	}
}
