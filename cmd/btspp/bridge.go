package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btspp/internal/ptyio"
	"golang.org/x/sync/errgroup"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Expose a serial link as a PTY",
	Long: `Connects to a bonded device over RFCOMM and exposes the link as a pseudo-terminal,
so any serial tool (minicom, screen, pyserial) can talk to it.

Examples:
  btspp bridge 00:11:22:33:44:55
  btspp bridge 00:11:22:33:44:55 --link /tmp/hc05`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeLink          string
	bridgeStatsInterval time.Duration
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeLink, "link", "", "Create a symlink to the PTY at this path")
	bridgeCmd.Flags().DurationVar(&bridgeStatsInterval, "stats-interval", 30*time.Second, "How often to log PTY buffer stats at debug level")
}

func runBridge(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	port, err := ptyio.Open(&ptyio.Options{
		ReadCap:  a.cfg.PTYBufferSize,
		WriteCap: a.cfg.PTYBufferSize,
		Symlink:  bridgeLink,
		Logger:   a.logger,
		OnError: func(err error) {
			cancel(fmt.Errorf("pty failed: %w", err))
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open pty: %w", err)
	}
	defer port.Close()

	session, err := openSession(ctx, a, args[0], cmd.ErrOrStderr(), func(data []byte) {
		if _, err := port.Write(data); err != nil {
			a.logger.WithError(err).Warn("Failed to forward to pty")
		}
	})
	if err != nil {
		return err
	}
	defer session.Close()

	port.SetReadCallback(func(data []byte) {
		if err := session.Write(ctx, data); err != nil {
			a.logger.WithError(err).Warn("Failed to forward to device")
		}
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Bridging %s on %s\n", session.address, port.Name())
	if link := port.Symlink(); link != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Symlink: %s\n", link)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-session.Lost():
			return ErrConnectionLost
		case <-gctx.Done():
			return context.Cause(ctx)
		}
	})
	g.Go(func() error {
		reportPortStats(gctx, port, bridgeStatsInterval, a.logger)
		return nil
	})
	return g.Wait()
}

// reportPortStats logs buffer counters until ctx ends.
func reportPortStats(ctx context.Context, port *ptyio.Port, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := port.Stats()
			logger.WithFields(logrus.Fields{
				"bytes_in":      st.BytesRead,
				"bytes_out":     st.BytesWritten,
				"dropped_read":  st.DroppedRead,
				"dropped_write": st.DroppedWrite,
			}).Debug("PTY stats")
		}
	}
}
