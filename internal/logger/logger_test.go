package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	l, err := New("development", "warn")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = New("production", "")
	require.NoError(t, err)
	require.True(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New("production", "loud")
	require.Error(t, err)
}

func TestNamed_NilLogger(t *testing.T) {
	require.NotNil(t, Named(nil, "transport"))
}
