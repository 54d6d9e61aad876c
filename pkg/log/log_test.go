package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitFiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Level:      Level("warn"),
		JSONOutput: true,
		Output:     &buf,
	})

	Logger.Info().Msg("quiet")
	Logger.Warn().Msg("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestInitUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{
		Level:      Level("bogus"),
		JSONOutput: true,
		Output:     &buf,
	})

	Logger.Debug().Msg("below")
	Logger.Info().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "below")
	assert.Contains(t, out, "visible")
}
