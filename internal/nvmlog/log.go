// Package nvmlog is the allocator's logging side channel. The teacher
// (aistore's memsys/fs/xaction packages) threads a vendored glog fork
// through every hot path via glog.FastV(verbosity, module) guards and
// debug.Infof calls; that fork isn't part of this module's dependency
// surface, so the same call shape is reproduced here on top of a real
// ecosystem structured logger, go.uber.org/zap.
package nvmlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	sugar  *zap.SugaredLogger
	verbose int
)

func build() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		// Logging must never be why the allocator fails to start.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// L returns the package-wide sugared logger, lazily constructed.
func L() *zap.SugaredLogger {
	once.Do(func() {
		sugar = build()
		if v := os.Getenv("NVM_LOG_VERBOSE"); v != "" {
			verbose = 1
		}
	})
	return sugar
}

// FastV mirrors glog.FastV(verbosity, module): a cheap gate callers use
// to skip building a log line entirely when not in verbose mode.
func FastV(_ int) bool {
	L()
	return verbose > 0
}

// Diagnostic logs a side-channel diagnostic - double free, unmanaged
// pointer, reservation conflict - that the public API contract says
// must never be raised as an error.
func Diagnostic(msg string, kv ...interface{}) {
	L().Debugw(msg, kv...)
}

// Warn logs a recoverable anomaly (e.g. a stale SlabIndex fingerprint).
func Warn(msg string, kv ...interface{}) {
	L().Warnw(msg, kv...)
}
