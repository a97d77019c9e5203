// Package logging provides structured logging for merge-utils.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Console output on stderr plus an optional append-mode JSON log file
//   - Context field injection (run ID, OpenTelemetry trace and span IDs)
//   - Summary helpers for "Found N file(s):" style lists
//
// # Usage
//
//	logger, err := logging.NewLogger(&logging.Config{Level: zapcore.InfoLevel, Format: "console"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, uuid.NewString())
//	logger.Info(ctx, "starting", zap.String("command", "list-pfns"))
//
// Domain packages take the underlying *zap.Logger:
//
//	finder := rucio.NewFinder(client, rses, set, logger.Underlying())
package logging
