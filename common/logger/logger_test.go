package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" WARN "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
}

func TestBuild_JSONCarriesServiceName(t *testing.T) {
	var buf bytes.Buffer
	log, err := build(zapcore.InfoLevel, "json", "wisefido-chat", zapcore.AddSync(&buf), zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("room opened", zap.String("room_id", "r1"))
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "room opened", entry["msg"])
	assert.Equal(t, "wisefido-chat", entry["service_name"])
	assert.Equal(t, "r1", entry["room_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestBuild_RejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger("info", "xml", "svc")
	assert.Error(t, err)
}
