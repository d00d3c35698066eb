package logrus

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/itellico/cachesync"
)

func TestLogrusLogger(t *testing.T) {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.DebugLevel)
	hook := test.NewLocal(base)

	l := New(base)
	l.Error("commit failed", cachesync.Fields{"change_set": "cs-1", "err": errors.New("db down")})

	e := hook.LastEntry()
	if e == nil || e.Level != logrus.ErrorLevel || e.Message != "commit failed" {
		t.Fatalf("entry=%+v", e)
	}
	if e.Data["change_set"] != "cs-1" {
		t.Fatalf("data=%v", e.Data)
	}
	if err, _ := e.Data[logrus.ErrorKey].(error); err == nil || err.Error() != "db down" {
		t.Fatalf("error field=%v", e.Data[logrus.ErrorKey])
	}
}
