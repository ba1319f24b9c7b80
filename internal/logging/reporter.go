package logging

import (
	"errors"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Reporter forwards unexpected failures to Sentry. The zero value and a Reporter
// built without a DSN only log.
type Reporter struct {
	enabled bool
	logger  *zap.Logger
}

// NewReporter initialises the Sentry client when dsn is non-empty.
func NewReporter(dsn, environment string, logger *zap.Logger) (*Reporter, error) {
	r := &Reporter{logger: logger.Named("reporter")}
	if dsn == "" {
		return r, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}); err != nil {
		return nil, err
	}
	r.enabled = true
	return r, nil
}

// Report sends err to Sentry tagged with its operation, if it carries one.
func (r *Reporter) Report(err error) {
	if r == nil || err == nil || !r.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		var opErr *OperationError
		if errors.As(err, &opErr) {
			scope.SetTag("operation", opErr.Operation)
			if opErr.RequestID != "" {
				scope.SetTag("request_id", opErr.RequestID)
			}
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	if !sentry.Flush(timeout) {
		r.logger.Warn("sentry flush timed out", zap.Duration("timeout", timeout))
	}
}
