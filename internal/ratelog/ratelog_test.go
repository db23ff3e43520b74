package ratelog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerEmitsEveryNth(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)), 3)
	for i := 0; i < 7; i++ {
		l.Warn("recv failed", "i", i)
	}
	lines := strings.Count(buf.String(), "recv failed")
	assert.Equal(t, 2, lines)
	assert.Contains(t, buf.String(), "occurrences=6")
	assert.Equal(t, uint64(7), l.Count())
}

func TestLoggerEveryOneLogsAll(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)), 0)
	l.Error("a")
	l.Error("b")
	assert.Equal(t, 2, strings.Count(buf.String(), "level=ERROR"))
}
