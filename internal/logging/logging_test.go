package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{" error ", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"nonsense", logrus.InfoLevel},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseLevel(tc.in))
		})
	}
}

func TestLoggerPrefix(t *testing.T) {
	Init("debug")
	buf := &bytes.Buffer{}
	SetOutput(buf)

	Logger(LogIMAP).WithField("account", "a@example.com").Debug("Logged in")

	out := buf.String()
	assert.Contains(t, out, "IM:\t")
	assert.Contains(t, out, "account=a@example.com")
	assert.Contains(t, out, "Logged in")
}

func TestLoggerUnknownComponentIsCreated(t *testing.T) {
	l := Logger("XX")
	assert.NotNil(t, l)
	assert.Same(t, l, Logger("XX"))
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	Init("")
	l := Logger(LogSync)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())

	SetLevel("warn")
	assert.Equal(t, logrus.WarnLevel, l.GetLevel())
	assert.Equal(t, logrus.WarnLevel, Logger("ZZ").GetLevel(), "later loggers pick up the new level")

	SetLevel("info")
}
