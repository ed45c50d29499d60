package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

type levelCfg string

func (l levelCfg) GetLogLevel() string { return string(l) }

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	l := NewLogger(levelCfg("error"), "test")
	assert.False(t, l.Zap().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Zap().Core().Enabled(zapcore.ErrorLevel))

	child := l.Named("child")
	assert.Equal(t, "test.child", child.name)
}

func TestNopDoesNotPanic(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() {
		l.Info("hello %s", "world")
		l.With("k", "v").Warning("warn %d", 1)
	})
}
