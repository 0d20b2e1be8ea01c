package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMCPClickHouse_Logger(t *testing.T) {
	t.Parallel()

	t.Run("drops empty attrs and debug unless verbose", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := New(&buf, false)
		log.Debug("hidden")
		log.Info("server: listening", "addr", "127.0.0.1:8000", "empty", "")

		out := buf.String()
		require.NotContains(t, out, "hidden")
		require.Contains(t, out, "server: listening")
		require.Contains(t, out, "127.0.0.1:8000")
		require.NotContains(t, out, "empty=")
	})

	t.Run("verbose enables debug", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		New(&buf, true).Debug("query: executing")
		require.Contains(t, buf.String(), "query: executing")
	})

	t.Run("timestamp format", func(t *testing.T) {
		t.Parallel()

		ts := time.Date(2024, 3, 4, 5, 6, 7, 89_000_000, time.FixedZone("X", 3600))
		require.Equal(t, "2024-03-04T04:06:07.089Z", formatRFC3339Millis(ts))
	})
}
