// Package monitoring holds the process-wide logging hooks shared by the
// tracking packages and the command-line tools.
package monitoring

import (
	"io"
	"log"
	"strings"
)

// Logf is the package-level operational logger. It defaults to log.Printf
// but may be replaced by SetLogger; tests can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// DebugWriters parses a comma-separated stream selector ("ops", "diag",
// "trace", "all", or "" for none) and returns one writer per stream,
// nil for streams that are not selected. The same writer backs every
// enabled stream.
func DebugWriters(streams string, w io.Writer) (ops, diag, trace io.Writer) {
	for _, name := range strings.Split(streams, ",") {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "ops":
			ops = w
		case "diag":
			diag = w
		case "trace":
			trace = w
		case "all":
			ops, diag, trace = w, w, w
		}
	}
	return ops, diag, trace
}
