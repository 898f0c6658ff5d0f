package config

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func timeout(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(3 * time.Second)
}
