// Package common holds project-wide constants and logging setup shared by
// all binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName is the module path, used to namespace metrics.
const PackageName = "github.com/ruteri/tee-envelope-signer"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the process logger.
type LoggingOpts struct {
	// Debug enables debug-level logging.
	Debug bool
	// JSON switches output to JSON lines.
	JSON bool
	// Service tags every record with a service name.
	Service string
	// Version tags every record with the build version.
	Version string
}

// SetupLogger creates the process slog logger according to the options.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
