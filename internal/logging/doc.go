// Package logging provides structured logging for depdeck.
//
// It wraps Zap with:
//   - a Trace level (-2, below Debug) for per-line npm output
//   - automatic context fields (trace_id, project.path, operation.id, request.id)
//   - redaction of sensitive keys and npm credentials (_authToken, npm_ tokens)
//   - level-aware sampling where errors are never sampled
//
// Logs go to stderr by default so CLI output on stdout can be piped.
//
// # Usage
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithProjectPath(ctx, "/work/web")
//	logger.Info(ctx, "inventory built", zap.Int("packages", n))
//
// Engine packages accept a plain *zap.Logger; pass Underlying().
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
package logging
