package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btspp/internal/hostws"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the serial link API to a host application over WebSocket",
	Long: `Starts a WebSocket endpoint that accepts JSON calls and pushes link events.

Request:  {"id": 1, "method": "connect", "args": {"address": "00:11:22:33:44:55"}}
Reply:    {"id": 1, "result": 1}  or  {"id": 1, "error": {"code": "...", "message": "..."}}
Event:    {"event": "onDataReceived", "data": {"address": "...", "data": "<base64>"}}

Methods: isAvailable, requestPermissions, isEnabled, getState, requestEnable,
getBondedDevices, connect, disconnect, write, isConnected.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListen string
	servePath   string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config, 127.0.0.1:8765)")
	serveCmd.Flags().StringVar(&servePath, "path", hostws.DefaultPath, "WebSocket endpoint path")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	// config log level applies unless a flag overrides it
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("verbose") {
		a.logger.SetLevel(a.cfg.Level())
	}

	listen := serveListen
	if listen == "" {
		listen = a.cfg.Listen
	}

	server := hostws.NewServer(a.dispatcher, &hostws.Options{
		Path:      servePath,
		QueueSize: a.cfg.EventQueueSize,
	}, a.logger)
	a.dispatcher.SetEmitter(server)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down, releasing links")
		a.manager.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Canceled
	}
	return nil
}
