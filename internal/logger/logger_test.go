package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+5511999990000", "+55*******0000"},
		{"+1234567", "+12*4567"},
		{"+12345", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactPhone(tt.in), tt.in)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := With(NewWithWriter(Config{Level: "debug"}, &buf), "scheduler")
	log.Debug().Int64("broadcast_id", 7).Msg("tick")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "tick", entry["message"])
	assert.Equal(t, float64(7), entry["broadcast_id"])
}

func TestNewWithWriterLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
