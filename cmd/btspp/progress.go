package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown line while a bounded operation runs.
//
// A ProgressPrinter is single-use: Start once, Stop once. Stop clears the line.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	deadline time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewProgressPrinter creates a printer that counts down from timeout.
func NewProgressPrinter(w io.Writer, prefix string, timeout time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		deadline: time.Now().Add(timeout),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.print()
	go p.loop()
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.print()
		}
	}
}

func (p *ProgressPrinter) print() {
	// Round to the nearest second, e.g. 3.7s -> 4s
	seconds := int(time.Until(p.deadline).Seconds() + 0.5)
	if seconds < 0 {
		seconds = 0
	}
	fmt.Fprintf(p.w, "\r%s (%ds)   ", p.prefix, seconds)
}

// Stop terminates the goroutine and clears the progress line. Safe to call without Start.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		// a later Start becomes a no-op
		if p.started.CompareAndSwap(false, true) {
			return
		}
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	})
}
