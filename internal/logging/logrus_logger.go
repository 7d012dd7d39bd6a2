package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus entry to the Logger interface. This is the
// default production backend; it prints JSON lines.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger creates a logrus-backed logger writing JSON to out (stdout
// if nil). level accepts the usual names ("debug", "info", ...); anything
// unrecognized falls back to info.
func NewLogrusLogger(component string, level string, out io.Writer) *LogrusLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if out == nil {
		out = os.Stdout
	}
	l.SetOutput(out)

	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	entry := logrus.NewEntry(l)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &LogrusLogger{entry: entry}
}

func (l *LogrusLogger) withFields(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	m := make(logrus.Fields, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return l.entry.WithFields(m)
}

func (l *LogrusLogger) Debug(msg string, fields ...Field) { l.withFields(fields).Debug(msg) }
func (l *LogrusLogger) Info(msg string, fields ...Field)  { l.withFields(fields).Info(msg) }
func (l *LogrusLogger) Warn(msg string, fields ...Field)  { l.withFields(fields).Warn(msg) }
func (l *LogrusLogger) Error(msg string, fields ...Field) { l.withFields(fields).Error(msg) }

func (l *LogrusLogger) With(fields ...Field) Logger {
	return &LogrusLogger{entry: l.withFields(fields)}
}
