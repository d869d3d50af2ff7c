package logging

import "go.uber.org/zap"

// NamedLogger returns a function that decorates log with name, for
// passing to package constructors that expect a *zap.Logger factory
// rather than a bare logger.
func NamedLogger(name string) func(log *zap.Logger) *zap.Logger {
	return func(log *zap.Logger) *zap.Logger {
		return log.Named(name)
	}
}
