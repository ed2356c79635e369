package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)
	logger.WithField("collection", "hoa").Debug("embedded batch")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "embedded batch", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "hoa", entry["collection"])
	assert.Contains(t, entry, "timestamp")
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	logger := New("chatty", "text", &bytes.Buffer{})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, logrus.StandardLogger(), OrDefault(nil))
	custom := logrus.New()
	assert.Same(t, custom, OrDefault(custom))
}
