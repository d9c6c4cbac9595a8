package swtpmlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewTextHandlerWritesExpectedLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatText, Writer: &buf})

	logger.Debug("should not appear")
	logger.Info("hello", "key", "value")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatal("debug line leaked through at default info level")
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "key=value") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestNewDebugEnablesDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatText, Debug: true, Writer: &buf})

	logger.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatal("expected debug line with Debug: true")
	}
}

func TestNewJSONHandlerProducesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatJSON, Writer: &buf})
	logger.Info("jsonline")

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("expected json object, got %q", out)
	}
}

func TestPrefixWriterPrependsPrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatText, Prefix: "[swtpm] ", Writer: &buf})
	logger.Info("with prefix")

	if !strings.HasPrefix(buf.String(), "[swtpm] ") {
		t.Fatalf("expected prefix, got %q", buf.String())
	}
}

func TestNewFromOptionWithFileOpensFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/swtpm.log"
	opts, err := ParseOption("file=" + path + ",truncate")
	if err != nil {
		t.Fatalf("ParseOption: %v", err)
	}

	logger, f, err := NewFromOption(opts, false, FormatText)
	if err != nil {
		t.Fatalf("NewFromOption: %v", err)
	}
	if f == nil {
		t.Fatal("expected a non-nil opened file")
	}
	defer f.Close()

	logger.Info("to file")
	if got := logger.Handler(); got == nil {
		t.Fatal("expected a handler")
	}
}
