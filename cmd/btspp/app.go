package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/device/bluez"
	"github.com/srg/btspp/internal/dispatch"
	"github.com/srg/btspp/internal/link"
	"github.com/srg/btspp/internal/permission"
	"github.com/srg/btspp/pkg/config"
)

var configPath string

// Replaced in tests.
var (
	newAdapter = func(cfg *config.Config, logger *logrus.Logger) device.Adapter {
		return bluez.New(bluez.Options{AdapterName: cfg.Adapter}, logger)
	}

	newPermissionProvider = func(cfg *config.Config, logger *logrus.Logger) permission.Provider {
		if cfg.AssumePermissions {
			return permission.Static(true)
		}
		return permission.NewGroupProvider(cfg.PermissionGroup, logger)
	}
)

// app wires the adapter, permission gate, link manager and dispatcher for one command run.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	adapter    device.Adapter
	gate       *permission.Gate
	manager    *link.Manager
	dispatcher *dispatch.Dispatcher
}

// newApp loads the config and builds the stack. defaultLevel applies when no
// logging flag is given.
func newApp(cmd *cobra.Command, defaultLevel logrus.Level) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, defaultLevel)
	if err != nil {
		return nil, err
	}

	adapter := newAdapter(cfg, logger)
	gate := permission.NewGate(newPermissionProvider(cfg, logger), logger)
	manager := link.NewManager(adapter, gate, cfg.ConnectOptions(), logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		adapter:    adapter,
		gate:       gate,
		manager:    manager,
		dispatcher: dispatch.New(manager, gate, logger),
	}, nil
}

func (a *app) call(ctx context.Context, method string, args dispatch.Args) (interface{}, error) {
	return a.dispatcher.Call(ctx, method, args)
}

// Close releases every link and then the adapter.
func (a *app) Close() {
	a.manager.Close()
	if err := a.adapter.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close adapter")
	}
}
