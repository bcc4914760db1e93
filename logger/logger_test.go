package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("pool")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "pool" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestWithUserTrimsFingerprint(t *testing.T) {
	log := Logger()
	entry := log.WithUser("u1", "0123456789abcdef")
	if v := entry.Entry.Data["fingerprint"]; v != "01234567" {
		t.Fatalf("fingerprint not trimmed: %v", v)
	}
	if v := entry.Entry.Data["user_id"]; v != "u1" {
		t.Fatalf("user id missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "fleet.log")
	if err := log.Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("configure file output: %v", err)
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("fleet").Info("hello")

	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component"} {
		if _, ok := out[key]; !ok {
			t.Fatalf("missing %q in %v", key, out)
		}
	}
}

func TestReportCountsProblemsPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})
	hook := &reportHook{}
	log.AddHook(hook)

	log.WithComponent("pool").Warn("slow dial")
	log.WithComponent("pool").Error("dial failed")
	log.WithComponent("bot").Warn("paused")
	log.Info("not counted")

	got := hook.drain()
	if got["pool"]["warnings"] != 1 || got["pool"]["errors"] != 1 {
		t.Fatalf("unexpected pool counts: %v", got["pool"])
	}
	if got["bot"]["warnings"] != 1 {
		t.Fatalf("unexpected bot counts: %v", got["bot"])
	}
	if again := hook.drain(); len(again) != 0 {
		t.Fatalf("counters not reset: %v", again)
	}
}

func TestReportFieldsIncludeSources(t *testing.T) {
	fields := reportFields(context.Background(), &reportHook{}, []ReportSource{
		func() Fields { return Fields{"active_bots": 3} },
	})
	if fields["active_bots"] != 3 {
		t.Fatalf("source field missing: %v", fields)
	}
	if _, ok := fields["goroutines"]; !ok {
		t.Fatalf("goroutines missing: %v", fields)
	}
}
