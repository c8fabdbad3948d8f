// Package definition holds the concrete implementations of the small
// capability interfaces (types.Logger chief among them) every core
// component takes as a constructor argument, instead of reaching for a
// global.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jabolina/go-pbft/pkg/pbft/types"
)

// DefaultLogger is the logger used when the caller does not provide its
// own implementation. It backs onto logrus for leveled, field-structured
// output, generalizing the teacher's stdlib-`log`-backed
// DefaultLogger (pkg/mcast/definition/default_logger.go) to the
// structured logging logrus already shipped (as an indirect
// dependency) in the teacher's go.mod.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a DefaultLogger writing to stderr in text
// format, mirroring the teacher's stderr-by-default behavior.
func NewDefaultLogger() *DefaultLogger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: logrus.NewEntry(base)}
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}
func (l *DefaultLogger) Debug(v ...interface{}) { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}
func (l *DefaultLogger) Fatal(v ...interface{}) { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}

func (l *DefaultLogger) With(fields types.Fields) types.Logger {
	return &DefaultLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

var _ types.Logger = (*DefaultLogger)(nil)
