// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates env
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests { //nolint:paralleltest // mutates env
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)

			if got := unstructuredLogs(); got != tt.expected {
				t.Errorf("unstructuredLogs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// setSingletonForTest temporarily replaces the singleton logger and restores
// the original when the test completes.
func setSingletonForTest(t *testing.T, l *slog.Logger) {
	t.Helper()
	prev := singleton.Load()
	singleton.Store(l)
	t.Cleanup(func() { singleton.Store(prev) })
}

// TestLogLevels tests that each log function writes to the underlying handler.
func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debug", func() { Debug("debug msg") }, "debug msg"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Debugw", func() { Debugw("debug kv", "key", "val") }, "debug kv"},
		{"Info", func() { Info("info msg") }, "info msg"},
		{"Infof", func() { Infof("info %s", "formatted") }, "info formatted"},
		{"Infow", func() { Infow("info kv", "key", "val") }, "info kv"},
		{"Warn", func() { Warn("warn msg") }, "warn msg"},
		{"Warnf", func() { Warnf("warn %s", "formatted") }, "warn formatted"},
		{"Warnw", func() { Warnw("warn kv", "key", "val") }, "warn kv"},
		{"Error", func() { Error("error msg") }, "error msg"},
		{"Errorf", func() { Errorf("error %s", "formatted") }, "error formatted"},
		{"Errorw", func() { Errorw("error kv", "key", "val") }, "error kv"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			setSingletonForTest(t, newLogger(&buf, slog.LevelDebug, true))

			tc.logFn()

			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

// TestGetReturnsCurrent verifies Get returns whatever Set stored.
func TestGetReturnsCurrent(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	l := newLogger(&buf, slog.LevelInfo, false)
	setSingletonForTest(t, l)

	assert.Same(t, l, Get())

	Get().Info("through Get")
	assert.Contains(t, buf.String(), "through Get")
}

// TestInitializeLevel verifies the viper debug and quiet keys pick the level.
func TestInitializeLevel(t *testing.T) { //nolint:paralleltest // mutates viper and singleton
	tests := []struct {
		name      string
		debug     bool
		quiet     bool
		wantDebug bool
		wantInfo  bool
	}{
		{"default is info", false, false, false, true},
		{"quiet raises to warn", false, true, false, false},
		{"debug enables everything", true, false, true, true},
		{"debug wins over quiet", true, true, true, true},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates viper and singleton
		t.Run(tc.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			viper.Set("debug", tc.debug)
			viper.Set("quiet", tc.quiet)

			prev := singleton.Load()
			t.Cleanup(func() { singleton.Store(prev) })
			Initialize()

			ctx := context.Background()
			assert.Equal(t, tc.wantDebug, Get().Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tc.wantInfo, Get().Enabled(ctx, slog.LevelInfo))
			assert.True(t, Get().Enabled(ctx, slog.LevelWarn))
		})
	}
}

// TestStructuredOutput verifies the JSON handler is used when unstructured
// logging is disabled.
func TestStructuredOutput(t *testing.T) { //nolint:paralleltest // mutates singleton
	var buf bytes.Buffer
	setSingletonForTest(t, newLogger(&buf, slog.LevelInfo, false))

	Infow("structured entry", "provider", "github")

	out := buf.String()
	assert.Contains(t, out, `"msg":"structured entry"`)
	assert.Contains(t, out, `"provider":"github"`)
}
