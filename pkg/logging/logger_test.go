/*
Copyright 2026 The Spreadguard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "info", config.Level)
	assert.Equal(t, "json", config.Format)
	assert.False(t, config.Development)
}

func TestNewLogger(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		logger := NewLogger(nil)
		assert.NotNil(t, logger.GetSink())
	})

	t.Run("json format", func(t *testing.T) {
		logger := NewLogger(&Config{Level: "debug", Format: "json"})
		assert.NotNil(t, logger.GetSink())
		assert.True(t, logger.V(1).Enabled())
	})

	t.Run("console format", func(t *testing.T) {
		logger := NewLogger(&Config{Level: "info", Format: "console", Development: true})
		assert.NotNil(t, logger.GetSink())
	})

	t.Run("info level suppresses debug", func(t *testing.T) {
		logger := NewLogger(&Config{Level: "info", Format: "json"})
		assert.False(t, logger.V(1).Enabled())
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), "level %q", tt.in)
	}
}
