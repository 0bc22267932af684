package main

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name         string
		args         []string
		defaultLevel logrus.Level
		want         logrus.Level
		wantErr      bool
	}{
		{name: "default applies", defaultLevel: logrus.PanicLevel, want: logrus.PanicLevel},
		{name: "server default", defaultLevel: logrus.InfoLevel, want: logrus.InfoLevel},
		{name: "verbose", args: []string{"--verbose"}, defaultLevel: logrus.PanicLevel, want: logrus.DebugLevel},
		{name: "log-level warn", args: []string{"--log-level", "warn"}, defaultLevel: logrus.PanicLevel, want: logrus.WarnLevel},
		{name: "log-level wins over verbose", args: []string{"--log-level", "error", "--verbose"}, want: logrus.ErrorLevel},
		{name: "invalid level", args: []string{"--log-level", "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := configureLogger(newLoggingCmd(t, tt.args...), tt.defaultLevel)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestConfigureLoggerWritesToCommandStderr(t *testing.T) {
	cmd := newLoggingCmd(t, "--log-level", "info")
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	require.NoError(t, err)
	logger.Info("hello")

	assert.Contains(t, stderr.String(), "msg=hello")
}
