// Package observability provides structured logging, metrics, and
// distributed tracing helpers for checkpoint cycles and samplers.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds checkpoint context to a logger.
// Returns a new logger with checkpoint and rank fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "resnet", 3)
//	enriched.Info("cycle starting") // includes checkpoint, rank
func EnrichLogger(logger *slog.Logger, name string, rank int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("checkpoint", name),
		slog.Int("rank", rank),
	)
}

// LogPrepared logs a freshly allocated slot.
func LogPrepared(logger *slog.Logger, slot string, force bool, path string) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint slot prepared",
		slog.String("slot", slot),
		slog.Bool("force", force),
		slog.String("path", path),
	)
}

// LogPublish logs a pointer swap.
func LogPublish(logger *slog.Logger, slot string, force bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint published",
		slog.String("slot", slot),
		slog.Bool("force", force),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCleanup logs the outcome of a cleanup pass.
func LogCleanup(logger *slog.Logger, phase string, deleted int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint cleanup completed",
		slog.String("phase", phase),
		slog.Int("deleted", deleted),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSlotDeleted logs a single slot deletion.
func LogSlotDeleted(logger *slog.Logger, slot string, reason string) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint slot deleted",
		slog.String("slot", slot),
		slog.String("reason", reason),
	)
}

// LogResume logs a resume from a published slot.
func LogResume(logger *slog.Logger, path string, epoch, progress int) {
	if logger == nil {
		return
	}
	logger.Info("resuming from checkpoint",
		slog.String("path", path),
		slog.Int("epoch", epoch),
		slog.Int("progress", progress),
	)
}

// LogCycleError logs a fatal failure inside a checkpoint cycle.
func LogCycleError(logger *slog.Logger, phase string, err error) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint cycle failed",
		slog.String("phase", phase),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

// Milliseconds converts a duration to fractional milliseconds for log fields.
func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
