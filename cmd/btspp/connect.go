package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/btspp/internal/groutine"
)

var connectCmd = &cobra.Command{
	Use:   "connect <device-address>",
	Short: "Open a serial link and stream it through stdin/stdout",
	Long: `Connects to a bonded device over RFCOMM and streams the link:
bytes from the device go to stdout, bytes from stdin go to the device.

The command ends when the device disconnects, on Ctrl+C, or when stdin
reaches EOF (unless --keep-open is set).

Examples:
  btspp connect 00:11:22:33:44:55
  printf 'AT\r\n' | btspp connect 00:11:22:33:44:55 --keep-open`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var connectKeepOpen bool

const stdinChunkSize = 1024

func init() {
	connectCmd.Flags().BoolVar(&connectKeepOpen, "keep-open", false, "Stay connected after stdin reaches EOF")
}

func runConnect(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	defer a.Close()
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	session, err := openSession(ctx, a, args[0], cmd.ErrOrStderr(), func(data []byte) {
		if _, err := out.Write(data); err != nil {
			a.logger.WithError(err).Warn("Failed to write to stdout")
		}
	})
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "Connected to %s, press Ctrl+C to exit\n", session.address)

	inputDone := make(chan error, 1)
	groutine.Go(ctx, "stdin-reader", a.logger, func(ctx context.Context) {
		inputDone <- pumpInput(ctx, cmd.InOrStdin(), session)
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Lost():
			return ErrConnectionLost
		case err := <-inputDone:
			if err != nil {
				select {
				case <-session.Lost():
					return ErrConnectionLost
				default:
					return err
				}
			}
			if !connectKeepOpen {
				return nil
			}
			inputDone = nil
		}
	}
}

// pumpInput copies r to the link until EOF. Returns nil on EOF.
func pumpInput(ctx context.Context, r io.Reader, s *linkSession) error {
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
