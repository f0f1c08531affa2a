// Package errorlog reports terminal login failures to the operational
// error log. The display side of that log is an external collaborator;
// this package only writes.
package errorlog

import (
	"context"

	"go.pilab.hu/fedlogin/log"
)

// Reporter records a failed login attempt with its triggering context.
type Reporter interface {
	Report(ctx context.Context, stage string, err error, fields map[string]any)
}

type logReporter struct {
	logger log.Logger
}

// NewLogReporter reports failures through the structured logger.
func NewLogReporter(logger log.Logger) Reporter {
	return &logReporter{logger: logger.With(map[string]any{"component": "login_flow"})}
}

func (r *logReporter) Report(ctx context.Context, stage string, err error, fields map[string]any) {
	merged := map[string]any{"stage": stage}
	for k, v := range fields {
		merged[k] = v
	}
	r.logger.Error(ctx, "login attempt failed", err, merged)
}
