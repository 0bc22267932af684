package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/btspp/internal/device"
	"golang.org/x/sync/singleflight"
)

// DefaultConnectTimeout bounds each handshake attempt.
const DefaultConnectTimeout = 10 * time.Second

// PermissionChecker reports whether the caller may perform connect-class operations.
type PermissionChecker interface {
	HasPermissions() bool
}

// ConnectOptions configures the connect handshake
type ConnectOptions struct {
	ConnectTimeout  time.Duration // per-strategy handshake bound
	ServiceUUID     string        // service record used by the primary strategy
	FallbackChannel uint8         // RFCOMM channel dialed by the fallback strategy
	ReadBufferSize  int           // max bytes returned by a single Link.Read
}

// DefaultConnectOptions returns the standard serial-port handshake configuration
func DefaultConnectOptions() *ConnectOptions {
	return &ConnectOptions{
		ConnectTimeout:  DefaultConnectTimeout,
		ServiceUUID:     device.SerialPortServiceUUID,
		FallbackChannel: device.DefaultFallbackChannel,
		ReadBufferSize:  DefaultReadBufferSize,
	}
}

// Connector performs the connect handshake and registers the resulting Link.
//
// Concurrent connects to the same identity share one handshake; a connect that still
// loses the registration race closes its own link and returns the winner.
type Connector struct {
	adapter     device.Adapter
	permissions PermissionChecker
	registry    *Registry
	opts        ConnectOptions
	logger      *logrus.Logger

	flights    singleflight.Group
	onReplaced func(*Link)
}

// NewConnector creates a connector. permissions may be nil (always granted); opts nil uses defaults.
func NewConnector(adapter device.Adapter, permissions PermissionChecker, registry *Registry, opts *ConnectOptions, logger *logrus.Logger) *Connector {
	if opts == nil {
		opts = DefaultConnectOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}

	o := *opts
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = device.SerialPortServiceUUID
	}
	if o.FallbackChannel == 0 {
		o.FallbackChannel = device.DefaultFallbackChannel
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}

	return &Connector{
		adapter:     adapter,
		permissions: permissions,
		registry:    registry,
		opts:        o,
		logger:      logger,
	}
}

// Connect returns the live link for address, establishing one if needed.
// Connecting to an already connected device returns the existing link unchanged.
func (c *Connector) Connect(ctx context.Context, address device.Address) (*Link, error) {
	address, err := device.ParseAddress(string(address))
	if err != nil {
		return nil, err
	}

	if l := c.registry.Lookup(address); l != nil {
		c.logger.WithFields(l.fields()).Debug("Already connected, reusing link")
		return l, nil
	}

	v, err, shared := c.flights.Do(string(address), func() (interface{}, error) {
		// another flight may have finished between the lookup above and this one starting
		if l := c.registry.Lookup(address); l != nil {
			return l, nil
		}
		return c.establish(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.WithField("address", address).Debug("Joined in-flight connect")
	}
	return v.(*Link), nil
}

func (c *Connector) establish(ctx context.Context, address device.Address) (*Link, error) {
	if c.adapter == nil || !c.adapter.Available() {
		return nil, device.NewError(device.AdapterUnavailable, "Bluetooth is not supported on this device", nil)
	}
	if !c.adapter.Enabled() {
		return nil, device.NewError(device.AdapterDisabled, "Bluetooth is disabled", nil)
	}
	if c.permissions != nil && !c.permissions.HasPermissions() {
		return nil, device.NewError(device.PermissionDenied, "connect permission not granted", nil)
	}

	primary := device.ChannelSpec{Strategy: device.StrategyServiceRecord, ServiceUUID: c.opts.ServiceUUID}
	fallback := device.ChannelSpec{Strategy: device.StrategyFixedChannel, Channel: c.opts.FallbackChannel}

	if err := c.adapter.CancelDiscovery(ctx); err != nil {
		c.logger.WithField("address", address).WithError(err).Debug("Failed to cancel discovery before connecting")
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"service": device.ShortenUUID(c.opts.ServiceUUID),
		"timeout": c.opts.ConnectTimeout,
	}).Info("Connecting to device...")

	spec := primary
	socket, primaryErr := c.handshake(ctx, address, primary)
	if primaryErr != nil {
		if ctx.Err() != nil {
			return nil, device.NewError(device.ConnectionFailed, fmt.Sprintf("failed to connect to device: %v", primaryErr), primaryErr)
		}

		c.logger.WithFields(logrus.Fields{
			"address": address,
			"channel": fallback.Channel,
			"error":   primaryErr,
		}).Warn("First connection attempt failed, trying fallback...")

		var fallbackErr error
		socket, fallbackErr = c.handshake(ctx, address, fallback)
		if fallbackErr != nil {
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   fallbackErr,
			}).Error("Fallback connection also failed")
			return nil, device.NewError(device.ConnectionFailed, fmt.Sprintf("failed to connect to device: %v", primaryErr), primaryErr)
		}
		spec = fallback
	}

	l := newLink(address, spec.Strategy, socket, c.opts.ReadBufferSize, c.logger)

	current, replaced, ok := c.registry.Claim(address, l)
	if !ok {
		c.logger.WithFields(l.fields()).Warn("Lost connect race, closing duplicate session")
		l.Close()
		return current, nil
	}
	if replaced != nil && c.onReplaced != nil {
		c.onReplaced(replaced)
	}

	c.logger.WithFields(l.fields()).Info("Device connected")
	return l, nil
}

// handshake opens a socket with spec and connects it within the connect timeout.
// A socket whose handshake fails is released before returning.
func (c *Connector) handshake(ctx context.Context, address device.Address, spec device.ChannelSpec) (device.Socket, error) {
	socket, err := c.adapter.NewSocket(address, spec)
	if err != nil {
		return nil, fmt.Errorf("%s socket: %w", spec.Strategy, device.NormalizeError(err))
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.logger.WithFields(logrus.Fields{
		"address":  address,
		"strategy": spec.Strategy.String(),
	}).Debug("Starting handshake...")

	if err := socket.Connect(hctx); err != nil {
		if closeErr := socket.Close(); closeErr != nil {
			c.logger.WithFields(logrus.Fields{
				"address":  address,
				"strategy": spec.Strategy.String(),
				"error":    closeErr,
			}).Warn("Failed to close socket after failed connection")
		}
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s handshake timed out after %s: %w", spec.Strategy, c.opts.ConnectTimeout, err)
		}
		return nil, fmt.Errorf("%s handshake: %w", spec.Strategy, device.NormalizeError(err))
	}

	return socket, nil
}
