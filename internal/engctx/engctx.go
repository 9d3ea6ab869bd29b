// Package engctx carries a structured logger through a context.Context, the
// way the teacher's internal/dcontext package scopes a *logrus.Entry to a
// request. The install engine scopes fields like registry, pkg, and digest
// onto it as a call descends through the resolver and fetch layers; it never
// attaches bearer tokens or basic-auth passwords as fields.
package engctx

import (
	"context"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   = logrus.StandardLogger().WithField("go.version", runtime.Version())
	defaultLoggerMu sync.RWMutex
)

type loggerKey struct{}

// WithLogger attaches logger to ctx, replacing any logger already present.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithFields returns a context whose logger has fields merged in on top of
// whatever logger (or the package default) ctx already carries.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// GetLogger returns the logger attached to ctx, or the package default.
func GetLogger(ctx context.Context) *logrus.Entry {
	if v := ctx.Value(loggerKey{}); v != nil {
		if entry, ok := v.(*logrus.Entry); ok {
			return entry
		}
	}
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the package-wide default logger used when no
// logger has been attached to a context.
func SetDefaultLogger(logger *logrus.Entry) {
	defaultLoggerMu.Lock()
	defaultLogger = logger
	defaultLoggerMu.Unlock()
}

// Detached returns a context that is not canceled when ctx is canceled,
// preserving its logger fields, for cleanup work (e.g. CAS GC) that must
// finish even after the caller's request is done.
func Detached(ctx context.Context) context.Context {
	return context.WithValue(context.Background(), loggerKey{}, GetLogger(ctx))
}
