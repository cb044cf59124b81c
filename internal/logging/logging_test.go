package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log, err := New("debug", "console")
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = New("WARN", "json")
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	require.Error(t, err)
	_, err = New("info", "xml")
	require.Error(t, err)
}
