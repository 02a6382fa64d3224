// Package log implements the bridge's structured logger.
//
// It wraps logrus with a JSON formatter, so every record is a single-line
// JSON object suitable for ingestion by a log pipeline. The API surface
// (package-level Infof/Errorf/Debugf/Fatalf, a mutable Default) is kept
// close to a traditional leveled logger so callers don't need to learn a
// new idiom, but records carry structured fields via WithFields instead of
// relying purely on format strings.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a set of structured key/value pairs attached to a log record.
type Fields = logrus.Fields

// Logger is a structured JSON logger.
type Logger struct {
	l *logrus.Logger
}

// New returns a Logger writing JSON records to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	return &Logger{l: l}
}

// Default is the process-wide logger, writing to stderr at info level until
// SetLevel changes its level.
var Default = New(os.Stderr)

// SetLevel sets the default logger's minimum level by name. Unknown level
// names fall back to "info".
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Default.l.SetLevel(lvl)
}

// WithFields returns a logging entry carrying the given structured fields,
// to be completed with a call to one of Debugf/Infof/Errorf.
func (l *Logger) WithFields(f Fields) *logrus.Entry {
	return l.l.WithFields(f)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.l.Debugf(format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.l.Infof(format, a...)
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.l.Errorf(format, a...)
}

// Fatalf logs at fatal level and exits the process with status 1. Reserved
// for unrecoverable configuration/startup errors, matching the teacher's
// log.Fatalf idiom.
func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.l.Fatalf(format, a...)
}

// WithFields returns a logging entry on the default logger.
func WithFields(f Fields) *logrus.Entry {
	return Default.WithFields(f)
}

func Debugf(format string, a ...interface{}) {
	Default.Debugf(format, a...)
}

func Infof(format string, a ...interface{}) {
	Default.Infof(format, a...)
}

func Errorf(format string, a ...interface{}) {
	Default.Errorf(format, a...)
}

func Fatalf(format string, a ...interface{}) {
	Default.Fatalf(format, a...)
}
