package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONAndConsole(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		log, err := New(Config{Level: "info", Format: format})
		require.NoError(t, err, format)
		require.NotNil(t, log)
		log.Info("boot check")
		_ = log.Sync()
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestNopIsUsable(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	log.Error("discarded")
}
