package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		want    LogLevel
		wantErr bool
	}{
		{name: "error", level: "error", want: LogLevelError},
		{name: "trace", level: "trace", want: LogLevelTrace},
		{name: "unknown", level: "verbose", want: LogLevelError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLogLevel(tt.level)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_filtersByLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, LogLevelInfo).With("component", "test")

	logger.Debug("hidden %d", 1)
	logger.Info("shown %d", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	entry := map[string]interface{}{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "shown 2", entry["msg"])
	assert.Equal(t, "test", entry["component"])
}
