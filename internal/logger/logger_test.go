package logger

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestLevelFilteringAndModuleTag(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)
	m := l.Module("Capture")

	m.Info("hidden %d", 1)
	m.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message leaked at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Capture] shown 2") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLevelAsFlagAndYAML(t *testing.T) {
	level := INFO
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&level, "log-level", "")
	if err := fs.Parse([]string{"-log-level", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if level != DEBUG {
		t.Fatalf("flag level = %s, want DEBUG", level)
	}

	var cfg struct {
		Level LogLevel `yaml:"level"`
	}
	if err := yaml.Unmarshal([]byte("level: error\n"), &cfg); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Level != ERROR {
		t.Fatalf("yaml level = %s, want ERROR", cfg.Level)
	}
}

func TestNilModuleLoggerIsSafe(t *testing.T) {
	var m *ModuleLogger
	m.Info("no panic")
	For("Nobody").Debug("dropped before Init")
}

func TestColorAndSilent(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, true)
	l.Error("Relay", "boom")
	if !strings.Contains(buf.String(), "\033[31m[ERROR]\033[0m [Relay] boom") {
		t.Fatalf("unexpected colored output: %q", buf.String())
	}

	buf.Reset()
	l.SetLevel(SILENT)
	l.Error("Relay", "quiet")
	if buf.Len() != 0 {
		t.Fatalf("SILENT logger wrote %q", buf.String())
	}
	if LogLevel(42).String() != "UNKNOWN" {
		t.Fatalf("out-of-range level name = %s", LogLevel(42))
	}
}
