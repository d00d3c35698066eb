// Package logrus adapts sirupsen/logrus to cachesync.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/itellico/cachesync"
)

var _ cachesync.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func New(l *logrus.Logger) LogrusLogger { return LogrusLogger{E: logrus.NewEntry(l)} }

func (l LogrusLogger) Debug(msg string, f cachesync.Fields) { l.entry(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f cachesync.Fields)  { l.entry(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f cachesync.Fields)  { l.entry(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f cachesync.Fields) { l.entry(f).Error(msg) }

// entry moves an "err" field to logrus' error key.
func (l LogrusLogger) entry(f cachesync.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	lf := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			lf[logrus.ErrorKey] = err
			continue
		}
		lf[k] = v
	}
	return l.E.WithFields(lf)
}
