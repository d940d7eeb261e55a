// Copyright 2026 The Wadup Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(Warn)

	logger.Debug("debug line")
	logger.Info("info line")
	logger.Warn("warn line")
	logger.Error("error line")

	out := buf.String()
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Fatalf("suppressed levels leaked: %s", out)
	}
	if !strings.Contains(out, "warn line") || !strings.Contains(out, "error line") {
		t.Fatalf("enabled levels missing: %s", out)
	}
	if logger.GetLevel() != Warn {
		t.Fatalf("GetLevel: %v", logger.GetLevel())
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(Info)

	derived := logger.WithFields(map[string]interface{}{"worker": 3})
	derived = derived.WithFields(map[string]interface{}{"module": "zip"})
	derived.Info("processing")

	out := buf.String()
	for _, want := range []string{`"worker":3`, `"module":"zip"`, `"msg":"processing"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}

	// The parent logger is unchanged by derivation.
	buf.Reset()
	logger.Info("plain")
	if strings.Contains(buf.String(), "worker") {
		t.Fatalf("fields leaked to parent: %s", buf.String())
	}
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	logger.SetLevel(Debug)
	if logger.GetLevel() != Debug {
		t.Fatal("NoOpLogger must still track its level")
	}
	derived := logger.WithFields(map[string]interface{}{"k": "v"})
	derived.Info("discarded")
	derived.Error("discarded")
}
