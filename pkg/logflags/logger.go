package logflags

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is what the handshakes and the installer log through. Every
// logger carries a "layer" field naming the --log-output component it
// belongs to.
type Logger interface {
	// WithField returns a Logger that adds key to every entry, handshakes
	// use it for the pid or tid they act on.
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// LoggerFactory builds the Logger of a layer. level is DebugLevel when the
// layer was selected with --log-output and ErrorLevel otherwise; out is
// the --log-dest writer, nil for stderr.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus loggers returned by this package,
// for embedding hwwatch in a program with its own logging.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are attached to every entry of a Logger.
type Fields map[string]interface{}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}
