package slog

import (
	"bytes"
	"encoding/json"
	stdslog "log/slog"
	"testing"

	"github.com/itellico/cachesync"
)

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewJSONHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("hidden", cachesync.Fields{"a": 1})
	if buf.Len() != 0 {
		t.Fatalf("debug written below level: %s", buf.String())
	}

	l.Info("invalidated", cachesync.Fields{"layer": "render", "touched": 3})
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "invalidated" || rec["layer"] != "render" || rec["touched"] != float64(3) {
		t.Fatalf("record=%v", rec)
	}
}
