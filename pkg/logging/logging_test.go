package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup("debug", "json", &buf)
	t.Cleanup(func() { Setup("info", "json", nil) })

	log := WithComponent("router")
	log.Debug().Str("provider", "local").Msg("planned")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "router", line["component"])
	assert.Equal(t, "ladder", line["app"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "planned", line["message"])
}

func TestSetupLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Setup("warn", "json", &buf)
	t.Cleanup(func() { Setup("info", "json", nil) })

	l := Logger()
	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup("chatty", "json", &buf)
	t.Cleanup(func() { Setup("info", "json", nil) })

	l := Logger()
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
