package dlqueue

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

// WithLogger attaches a logger to ctx, for code that is handed a context rather than constructed with a logger.
func WithLogger(ctx context.Context, log *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// Logger returns the logger attached by WithLogger, or the global sugared logger.
func Logger(ctx context.Context) *zap.SugaredLogger {
	if log, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return log
	}
	return zap.S()
}

// Bool is a convenience for filling optional DownloadConfig fields.
func Bool(v bool) *bool {
	return &v
}
