// Package logging provides the small structured-logging interface used
// throughout this module, backed by logrus, plus a no-op default — the
// same Logger/WithField/newNullLogger shape the Bayeux client lineage in
// the retrieval pack uses, since the teacher repo itself only reaches for
// the stdlib log package and this is the idiomatic alternative sibling
// Bayeux clients use specifically.
package logging

import "github.com/sirupsen/logrus"

// Logger is the structured logging contract every package in this module
// takes, instead of depending on logrus directly.
type Logger interface {
	WithField(key string, value any) Logger
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// New wraps a *logrus.Logger (or logrus.StandardLogger() if l is nil) as
// a Logger.
func New(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &fieldLogger{entry: logrus.NewEntry(l)}
}

type fieldLogger struct {
	entry *logrus.Entry
}

func (f *fieldLogger) WithField(key string, value any) Logger {
	return &fieldLogger{entry: f.entry.WithField(key, value)}
}

func (f *fieldLogger) Debug(msg string) { f.entry.Debug(msg) }
func (f *fieldLogger) Info(msg string)  { f.entry.Info(msg) }
func (f *fieldLogger) Warn(msg string)  { f.entry.Warn(msg) }
func (f *fieldLogger) Error(msg string) { f.entry.Error(msg) }

// NewNullLogger returns a Logger that discards everything, for callers
// that don't care to wire one up (tests, minimal examples).
func NewNullLogger() Logger {
	l := logrus.New()
	l.SetOutput(nullWriter{})
	return New(l)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }
