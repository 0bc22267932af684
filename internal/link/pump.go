package link

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/groutine"
)

// Subscriber receives inbound data and disconnect notifications.
// Calls come from read pump goroutines and must not block for long.
type Subscriber interface {
	OnData(address device.Address, data []byte)
	OnDisconnected(address device.Address)
}

// PumpState is the read pump lifecycle state
type PumpState int32

const (
	PumpRunning PumpState = iota
	PumpStopped
)

func (s PumpState) String() string {
	switch s {
	case PumpRunning:
		return "running"
	case PumpStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why a pump left the Running state
type StopReason string

const (
	StopNone         StopReason = ""
	StopDisconnected StopReason = "disconnected"
	StopSuperseded   StopReason = "superseded"
	StopCancelled    StopReason = "cancelled"
)

// Pump drains one Link and forwards every chunk to the subscriber.
// It stops on the first read failure, on cancellation, or when its link is no longer registered.
type Pump struct {
	link     *Link
	registry *Registry
	sink     func(device.Address, []byte)
	release  func(*Link)
	logger   *logrus.Logger

	state  atomic.Int32
	reason atomic.Value // StopReason
	task   *groutine.Task
}

func newPump(l *Link, registry *Registry, sink func(device.Address, []byte), release func(*Link), logger *logrus.Logger) *Pump {
	p := &Pump{
		link:     l,
		registry: registry,
		sink:     sink,
		release:  release,
		logger:   logger,
	}
	p.state.Store(int32(PumpRunning))
	p.reason.Store(StopNone)
	return p
}

// start runs the loop in a named goroutine
func (p *Pump) start(ctx context.Context) {
	name := fmt.Sprintf("read-pump:%s", p.link.Address())
	p.task = groutine.Go(ctx, name, p.logger, p.run)
}

// Link returns the link this pump drains
func (p *Pump) Link() *Link {
	return p.link
}

// State returns the current pump state
func (p *Pump) State() PumpState {
	return PumpState(p.state.Load())
}

// Reason returns why the pump stopped, or StopNone while running
func (p *Pump) Reason() StopReason {
	return p.reason.Load().(StopReason)
}

// Done is closed when the pump goroutine exits
func (p *Pump) Done() <-chan struct{} {
	return p.task.Done()
}

func (p *Pump) run(ctx context.Context) {
	address := p.link.Address()
	logger := p.logger.WithFields(p.link.fields())
	logger.Debug("Read pump started")

	// the release hook runs on every exit path; the link's own once-guards
	// keep the disconnect notification single even when another path got there first
	defer p.release(p.link)

	for {
		if ctx.Err() != nil {
			p.stop(StopCancelled)
			logger.Debug("Read pump cancelled")
			return
		}
		if p.registry.Current(address) != p.link {
			p.stop(StopSuperseded)
			logger.Debug("Link no longer registered, read pump exiting")
			return
		}

		data, err := p.link.Read()
		if err != nil {
			p.stop(StopDisconnected)
			logger.WithError(err).Info("Read pump stopped")
			return
		}

		if p.sink != nil {
			p.sink(address, data)
		}
	}
}

func (p *Pump) stop(reason StopReason) {
	if p.state.CompareAndSwap(int32(PumpRunning), int32(PumpStopped)) {
		p.reason.Store(reason)
	}
}
