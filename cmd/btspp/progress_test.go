package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressPrinter(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "Connecting to 00:11:22:33:44:55", 10*time.Second)

	p.Start()
	p.Start() // no-op
	time.Sleep(2 * progressUpdateInterval)
	p.Stop()
	p.Stop() // no-op

	got := out.String()
	assert.True(t, strings.HasPrefix(got, "\rConnecting to 00:11:22:33:44:55 (10s)"), "first line MUST show full timeout: %q", got)
	assert.True(t, strings.HasSuffix(got, clearLineSequence), "Stop MUST clear the line")
}

func TestProgressPrinterStopWithoutStart(t *testing.T) {
	out := &syncBuffer{}
	p := NewProgressPrinter(out, "Connecting", time.Second)

	p.Stop()
	p.Start()

	assert.Empty(t, out.String())
}
