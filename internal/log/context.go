// Package log carries a logrus entry through contexts so that library code
// logs with the fields of whoever called it.
package log

import (
	"context"
	"path"

	"github.com/sirupsen/logrus"
)

var (
	// G is shorthand for GetLogger.
	G = GetLogger

	// L backs contexts that carry no entry.
	L = logrus.NewEntry(logrus.StandardLogger())
)

type (
	loggerKey struct{}
	moduleKey struct{}
)

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the entry attached to ctx, or L.
func GetLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return logger
	}
	return L
}

// WithModule nests module under the module path of ctx and tags the logger
// with the result. The BPF exporter run by serve logs as "export/bpfmap",
// a bare Sync as "bpfmap". Repeating the innermost module changes nothing.
func WithModule(ctx context.Context, module string) context.Context {
	if parent := GetModulePath(ctx); parent != "" {
		if path.Base(parent) == module {
			return ctx
		}
		module = path.Join(parent, module)
	}

	ctx = WithLogger(ctx, GetLogger(ctx).WithField("module", module))
	return context.WithValue(ctx, moduleKey{}, module)
}

// GetModulePath returns the module path of ctx, empty when none was set.
func GetModulePath(ctx context.Context) string {
	module, _ := ctx.Value(moduleKey{}).(string)
	return module
}

// SetLevel sets the level of the standard logger from its name.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}
