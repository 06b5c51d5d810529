// Package log provides a logger interface for logger libraries
// so that moauth does not depend on any of them directly.
// It also includes the default implementation using Logrus.
package log

// Logger serves as an adapter interface for logger libraries
// so that moauth does not depend on any of them directly.
//
// The server derives a per-request Logger via WithField; what a handler logs
// through it carries the request's identifying fields.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a Logger that stamps every record with the given
	// key/value pair.
	WithField(key string, value interface{}) Logger
}
