package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/dispatch"
)

// linkSession routes dispatcher events for a single peripheral to a command.
type linkSession struct {
	app     *app
	address device.Address
	onData  func([]byte)

	lostOnce sync.Once
	lost     chan struct{}
}

// openSession connects to address through the dispatcher, showing a countdown on progress.
// onData runs on the read pump goroutine and must not block.
func openSession(ctx context.Context, a *app, address string, progress io.Writer, onData func([]byte)) (*linkSession, error) {
	addr, err := device.ParseAddress(address)
	if err != nil {
		return nil, invalidAddress(err)
	}

	s := &linkSession{
		app:     a,
		address: addr,
		onData:  onData,
		lost:    make(chan struct{}),
	}
	// Installed before connect so that no early data is lost.
	a.dispatcher.SetEmitter(s)

	p := NewProgressPrinter(progress, fmt.Sprintf("Connecting to %s", address), a.cfg.ConnectTimeout)
	p.Start()
	_, err = a.call(ctx, "connect", dispatch.Args{"address": addr.String()})
	p.Stop()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *linkSession) Emit(_ string, payload interface{}) {
	switch ev := payload.(type) {
	case dispatch.DataEvent:
		if s.onData != nil && ev.Address == s.address.String() {
			s.onData(ev.Data)
		}
	case dispatch.DisconnectEvent:
		if ev.Address == s.address.String() {
			s.lostOnce.Do(func() { close(s.lost) })
		}
	}
}

// Lost is closed when the peripheral drops the link.
func (s *linkSession) Lost() <-chan struct{} {
	return s.lost
}

func (s *linkSession) Write(ctx context.Context, data []byte) error {
	_, err := s.app.call(ctx, "write", dispatch.Args{"address": s.address.String(), "data": data})
	return err
}

// Close disconnects; it is a no-op once the link is gone.
func (s *linkSession) Close() {
	if _, err := s.app.call(context.Background(), "disconnect", dispatch.Args{"address": s.address.String()}); err != nil {
		s.app.logger.WithError(err).Debug("Disconnect failed")
	}
}

func invalidAddress(err error) error {
	var derr *device.Error
	if errors.As(err, &derr) {
		return &dispatch.CallError{Code: dispatch.CodeInvalidArgument, Message: derr.Msg}
	}
	return err
}
