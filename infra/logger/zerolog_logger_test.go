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
	assert.NoError(t, os.Setenv("APP_ENV", "dev"))
	defer func() { assert.NoError(t, os.Unsetenv("APP_ENV")) }()
	l := NewZerologLogger("test")
	require.NotNil(t, l)
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Infow("info", map[string]any{"order_id": "o1"})
	l.Warnf("warn")
	l.Errorf("error")
}

func TestZerologLoggerComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("dispatch", &buf)
	l.Infow("offer sent", map[string]any{"order_id": "o1", "driver_id": "d1"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dispatch", entry["component"])
	assert.Equal(t, "o1", entry["order_id"])
	assert.Equal(t, "offer sent", entry["message"])
}

func TestConfigureLevel(t *testing.T) {
	require.NoError(t, Configure("warn", "json"))
	defer func() { require.NoError(t, Configure("info", "json")) }()

	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)
	l.Infof("hidden")
	assert.Zero(t, buf.Len())
	l.Warnf("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Error(t, Configure("loud", "json"))
}
