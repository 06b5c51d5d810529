package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWithField(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.Out = &buf
	base.Formatter = &logrus.JSONFormatter{}

	logger := NewLogrusLogger(base).WithField("request_id", "req-1")
	logger.Infof("handled %s", "/token")

	out := buf.String()
	require.Contains(t, out, `"request_id":"req-1"`)
	require.Contains(t, out, "handled /token")

	// The parent logger is untouched.
	buf.Reset()
	NewLogrusLogger(base).Info("plain")
	require.NotContains(t, buf.String(), "request_id")
}
