// Package permission decides whether the process may use the Bluetooth radio.
package permission

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrRequestInProgress is returned when a permission request is made while another is pending.
var ErrRequestInProgress = errors.New("another permission request is already in progress")

// Provider is the platform capability source.
type Provider interface {
	// HasPermissions reports whether connect-class operations are currently allowed.
	HasPermissions() bool

	// RequestPermissions asks for the capability and reports whether it was granted.
	RequestPermissions(ctx context.Context) (bool, error)
}

// Gate fronts a Provider and allows at most one outstanding request.
type Gate struct {
	provider Provider
	logger   *logrus.Logger

	requesting atomic.Bool
}

// NewGate wraps provider. A nil provider grants everything.
func NewGate(provider Provider, logger *logrus.Logger) *Gate {
	if provider == nil {
		provider = Static(true)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{provider: provider, logger: logger}
}

// HasPermissions reports the provider's current answer
func (g *Gate) HasPermissions() bool {
	return g.provider.HasPermissions()
}

// RequestPermissions runs a single request at a time; a concurrent caller gets ErrRequestInProgress.
func (g *Gate) RequestPermissions(ctx context.Context) (bool, error) {
	if !g.requesting.CompareAndSwap(false, true) {
		return false, ErrRequestInProgress
	}
	defer g.requesting.Store(false)

	if g.provider.HasPermissions() {
		return true, nil
	}

	g.logger.Info("Requesting Bluetooth permissions...")
	granted, err := g.provider.RequestPermissions(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Permission request failed")
		return false, err
	}

	g.logger.WithField("granted", granted).Info("Permission request finished")
	return granted, nil
}

// Requesting reports whether a request is in flight
func (g *Gate) Requesting() bool {
	return g.requesting.Load()
}

// Static is a Provider with a fixed answer.
type Static bool

func (s Static) HasPermissions() bool {
	return bool(s)
}

func (s Static) RequestPermissions(context.Context) (bool, error) {
	return bool(s), nil
}
