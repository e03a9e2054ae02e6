package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestLoggerWritesPlainLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)

	l.Info("order", "created")
	l.LogJob("reservation-expiration", "released 2 orders")

	out := buf.String()
	assert.Contains(t, out, "INFO  [ORDER     ] created")
	assert.Contains(t, out, "[JOB       ] [reservation-expiration] released 2 orders")
	assert.Contains(t, out, "logger_test.go:")
	assert.NotContains(t, out, "\x1b[")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)
	l.SetLevel(WARN)

	l.Debug("X", "debug line")
	l.Info("X", "info line")
	l.Warn("X", "warn line")
	l.Error("X", "error line")

	out := buf.String()
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "warn line")
	assert.Contains(t, out, "error line")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, INFO, ParseLevel("info"))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, DEBUG, ParseLevel(""))
	assert.Equal(t, DEBUG, ParseLevel("verbose"))
}

func TestFatalUsesExitHook(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)
	code := -1
	l.exit = func(c int) { code = c }

	l.Fatal("APP", "cannot continue")

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), "FATAL")
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info("JOB", "tick")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		assert.Contains(t, line, "[JOB       ] tick")
	}
}
