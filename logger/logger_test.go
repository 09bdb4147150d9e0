package logger

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
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

func TestConfigureRotatingFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "streamguard.log")
	if err := log.Configure("debug", "text", path, 7); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		t.Fatalf("expected debug level enabled")
	}
}

func TestWarnCountsByComponent(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	before := Counters()["warns_risk"].(int64)
	log.WithComponent("risk_manager").Warn("drawdown warning")
	after := Counters()["warns_risk"].(int64)

	if after != before+1 {
		t.Fatalf("expected warns_risk to grow by one, got %d -> %d", before, after)
	}
	if !strings.Contains(buf.String(), "drawdown warning") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}
