package logging

import "context"

type runLoggerKey struct{}

// WithRunLogger returns a context carrying r. Services shared between runs
// pick the audit log of the run they are serving from their context.
func WithRunLogger(ctx context.Context, r *RunLogger) context.Context {
	return context.WithValue(ctx, runLoggerKey{}, r)
}

// FromContext returns the run logger carried by ctx, or nil. The nil logger
// is safe to use.
func FromContext(ctx context.Context) *RunLogger {
	r, _ := ctx.Value(runLoggerKey{}).(*RunLogger)
	return r
}
