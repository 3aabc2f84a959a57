// Package testlog creates hclog loggers backed by testing.T so that log
// output from code under test lands in the per-test output buffer.
package testlog

import (
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
	testing "github.com/mitchellh/go-testing-interface"
)

// Logger is the subset of testing.T needed by the test logger.
type Logger interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a Logger.
type writer struct {
	t Logger
}

// Write to the underlying Logger. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// HCLogger returns a new test hclog.Logger at trace level. Setting
// HONE_TEST_STDERR sends output to stderr instead of the test's buffer,
// which helps when a test crashes hard enough to lose buffered output;
// HONE_TEST_LOG_LEVEL overrides the level.
func HCLogger(t testing.T) hclog.Logger {
	level := hclog.Trace
	if env := os.Getenv("HONE_TEST_LOG_LEVEL"); env != "" {
		level = hclog.LevelFromString(env)
	}
	var out io.Writer = &writer{t}
	if os.Getenv("HONE_TEST_STDERR") != "" {
		out = os.Stderr
	}
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:           level,
		Output:          out,
		IncludeLocation: true,
	})
}
