package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/hostws"
	"github.com/srg/btspp/internal/permission"
	"github.com/srg/btspp/internal/testutils"
	"github.com/srg/btspp/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:11:22:33:44:55"
	TestDeviceAddress2 = "AA:BB:CC:DD:EE:FF"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs commands against a FakeAdapter instead of BlueZ.
// All cmd/btspp test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	adapter *testutils.FakeAdapter
	granted bool

	origAdapter  func(*config.Config, *logrus.Logger) device.Adapter
	origProvider func(*config.Config, *logrus.Logger) permission.Provider
}

func (s *CommandTestSuite) SetupSuite() {
	color.NoColor = true
	s.origAdapter = newAdapter
	s.origProvider = newPermissionProvider
}

func (s *CommandTestSuite) TearDownSuite() {
	newAdapter = s.origAdapter
	newPermissionProvider = s.origProvider
	resetCommandFlags()
}

func (s *CommandTestSuite) SetupTest() {
	s.adapter = testutils.NewFakeAdapter()
	s.granted = true

	newAdapter = func(*config.Config, *logrus.Logger) device.Adapter {
		return s.adapter
	}
	newPermissionProvider = func(*config.Config, *logrus.Logger) permission.Provider {
		return permission.Static(s.granted)
	}
	resetCommandFlags()
}

// ExecuteCommand runs the root command with args, returns stdout, stderr and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	err := s.Execute(context.Background(), strings.NewReader(""), stdout, stderr, args...)
	return stdout.String(), stderr.String(), err
}

// Execute runs the root command with explicit streams. Cancelling ctx acts as Ctrl+C.
func (s *CommandTestSuite) Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	// subcommands keep the first context they were given
	for _, c := range rootCmd.Commands() {
		c.SetContext(ctx)
	}
	return rootCmd.ExecuteContext(ctx)
}

// Start runs the command in the background; the returned channel yields its error.
func (s *CommandTestSuite) Start(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Execute(ctx, stdin, stdout, stderr, args...)
	}()
	return done
}

// WaitSocket waits until a handshake succeeds and returns that socket.
func (s *CommandTestSuite) WaitSocket() *testutils.FakeSocket {
	var sock *testutils.FakeSocket
	s.Require().Eventually(func() bool {
		sock = s.adapter.LastSocket()
		return sock != nil && sock.IsConnected()
	}, 2*time.Second, 5*time.Millisecond, "device MUST get connected")
	return sock
}

// WaitDone waits for a background command to finish.
func (s *CommandTestSuite) WaitDone(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		s.FailNow("command MUST finish")
		return nil
	}
}

// resetCommandFlags restores every flag to its default between runs.
func resetCommandFlags() {
	configPath = ""
	bondedJSON = false
	connectKeepOpen = false
	writeHex = false
	writeCRLF = false
	writeWait = 0
	bridgeLink = ""
	bridgeStatsInterval = 30 * time.Second
	serveListen = ""
	servePath = hostws.DefaultPath

	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}
}
