package testutil

import (
	"log/slog"
	"testing"

	"github.com/keepsake-ai/keepsake/internal/log"
)

// Logger returns a logger suitable for tests: silent by default, verbose
// when the test runs with -v.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	if testing.Verbose() {
		return log.New(log.Config{Level: slog.LevelDebug})
	}
	return log.NewNop()
}
