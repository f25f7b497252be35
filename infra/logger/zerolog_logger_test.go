package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := NewZerologLogger("test")
	if l == nil {
		t.Fatalf("nil logger")
	}
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Warnf("warn")
	l.Errorf("error")
}

func TestZerologLoggerComponentField(t *testing.T) {
	assert.NoError(t, os.Unsetenv("LOG_LEVEL"))
	var buf bytes.Buffer
	l := NewZerologLoggerWithWriter("scheduler", &buf)
	l.Infof("step %d", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "step 7", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestZerologLoggerLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	var buf bytes.Buffer
	l := NewZerologLoggerWithWriter("x", &buf)
	l.Infof("hidden")
	assert.Zero(t, buf.Len())
	l.Warnf("shown")
	assert.NotZero(t, buf.Len())
}
