package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/dispatch"
	"github.com/srg/btspp/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (s *CommandsTestSuite) TestState() {
	stdout, _, err := s.ExecuteCommand("state")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, `
Adapter:   hci0
Available: yes
Enabled:   yes
State:     on (12)
`)
}

func (s *CommandsTestSuite) TestStateUsesConfigFile() {
	path := testutils.NewTestHelper(s.T()).WriteFile("btspp.yaml", "adapter: hci1\n")
	s.adapter.WithEnabled(false)

	stdout, _, err := s.ExecuteCommand("state", "--config", path)
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, `
Adapter:   hci1
Available: yes
Enabled:   no
State:     off (10)
`)
}

func (s *CommandsTestSuite) TestStateRejectsInvalidConfig() {
	path := testutils.NewTestHelper(s.T()).WriteFile("btspp.yaml", "fallback_channel: 31\n")

	_, _, err := s.ExecuteCommand("state", "--config", path)
	s.Require().Error(err)
	s.Contains(err.Error(), "fallback_channel")
}

func (s *CommandsTestSuite) TestStatePermissionDenied() {
	// GOAL: gated queries surface the permission error in a user-actionable form
	//
	// TEST SCENARIO: permissions not granted → state fails → message names the fix, nothing printed
	s.granted = false

	stdout, _, err := s.ExecuteCommand("state")
	s.Require().Error(err)
	s.Empty(stdout)

	var callErr *dispatch.CallError
	s.Require().ErrorAs(err, &callErr)
	s.Equal(dispatch.CodePermissionDenied, callErr.Code)
	s.Contains(FormatUserError(err), "bluetooth group")
}

func (s *CommandsTestSuite) TestEnable() {
	s.adapter.WithEnabled(false)

	stdout, _, err := s.ExecuteCommand("enable")
	s.Require().NoError(err)
	s.Equal("Adapter hci0 is on\n", stdout)
	s.Equal(int32(1), s.adapter.EnableCalls.Load())
}

func (s *CommandsTestSuite) TestEnableFailures() {
	s.Run("unavailable", func() {
		s.adapter.WithAvailable(false)
		_, _, err := s.ExecuteCommand("enable")
		s.ErrorIs(err, ErrAdapterUnavailable)
	})

	s.Run("refused", func() {
		s.adapter = testutils.NewFakeAdapter().WithEnabled(false).WithEnableError(errors.New("rfkill"))
		_, _, err := s.ExecuteCommand("enable")
		s.Require().Error(err)
		s.Contains(err.Error(), "could not be powered on")
	})
}

func (s *CommandsTestSuite) TestBondedTable() {
	s.adapter.WithBondedDevices(
		device.BondedDevice{Name: "HC-05", Address: TestDeviceAddress1, Type: device.DeviceTypeClassic},
		device.BondedDevice{Address: TestDeviceAddress2, Type: device.DeviceTypeDual},
	)

	stdout, _, err := s.ExecuteCommand("bonded")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, `
ADDRESS            TYPE     NAME
00:11:22:33:44:55  classic  HC-05
AA:BB:CC:DD:EE:FF  dual     -
`)
}

func (s *CommandsTestSuite) TestBondedJSON() {
	s.adapter.WithBondedDevices(device.BondedDevice{Name: "HC-05", Address: TestDeviceAddress1, Type: device.DeviceTypeClassic})

	stdout, _, err := s.ExecuteCommand("bonded", "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoreExtraKeys(false)).Assert(stdout,
		`[{"name":"HC-05","address":"00:11:22:33:44:55","type":1,"isConnected":false}]`)
}

func (s *CommandsTestSuite) TestBondedEmpty() {
	stdout, _, err := s.ExecuteCommand("bonded")
	s.Require().NoError(err)
	s.Equal("No bonded devices\n", stdout)

	resetCommandFlags()
	stdout, _, err = s.ExecuteCommand("bonded", "--json")
	s.Require().NoError(err)
	s.JSONEq(`[]`, stdout)
}

func (s *CommandsTestSuite) TestConnectStreamsBothWays() {
	// GOAL: connect relays stdin to the device and device bytes to stdout until the device drops
	//
	// TEST SCENARIO: stdin "AT\r\n" → device reads it → device answers "OK\r\n" → stdout shows it →
	// device drops → command ends with ErrConnectionLost
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	stdout := &syncBuffer{}

	done := s.Start(context.Background(), stdinR, stdout, io.Discard, "connect", "00-11-22-33-44-55")
	sock := s.WaitSocket()
	s.Equal(device.Address(TestDeviceAddress1), sock.Address(), "address MUST be normalized")

	go func() { _, _ = stdinW.Write([]byte("AT\r\n")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(sock.Peer(), buf)
	s.Require().NoError(err)
	s.Equal("AT\r\n", string(buf))

	_, err = sock.Peer().Write([]byte("OK\r\n"))
	s.Require().NoError(err)
	s.Eventually(func() bool { return stdout.String() == "OK\r\n" }, 2*time.Second, 5*time.Millisecond)

	sock.ClosePeer()
	s.ErrorIs(s.WaitDone(done), ErrConnectionLost)
	s.True(sock.IsClosed())
}

func (s *CommandsTestSuite) TestConnectEndsOnStdinEOF() {
	got := make(chan string, 1)
	done := s.Start(context.Background(), strings.NewReader("PING"), io.Discard, io.Discard, "connect", TestDeviceAddress1)

	sock := s.WaitSocket()
	go func() {
		buf := make([]byte, 4)
		n, _ := io.ReadFull(sock.Peer(), buf)
		got <- string(buf[:n])
	}()

	s.Require().NoError(s.WaitDone(done))
	s.Equal("PING", <-got)
	s.Eventually(sock.IsClosed, time.Second, 5*time.Millisecond, "link MUST be released on exit")
}

func (s *CommandsTestSuite) TestConnectCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()

	done := s.Start(ctx, stdinR, io.Discard, io.Discard, "connect", TestDeviceAddress1)
	sock := s.WaitSocket()

	cancel()
	s.ErrorIs(s.WaitDone(done), context.Canceled, "Ctrl+C MUST end the command silently")
	s.Eventually(sock.IsClosed, time.Second, 5*time.Millisecond)
}

func (s *CommandsTestSuite) TestConnectErrors() {
	s.Run("invalid address", func() {
		_, _, err := s.ExecuteCommand("connect", "not-an-address")
		var callErr *dispatch.CallError
		s.Require().ErrorAs(err, &callErr)
		s.Equal(dispatch.CodeInvalidArgument, callErr.Code)
		s.Empty(s.adapter.Sockets(), "no socket MUST be created")
	})

	s.Run("both strategies fail", func() {
		s.adapter.
			WithConnectError(device.StrategyServiceRecord, errors.New("sdp failed")).
			WithConnectError(device.StrategyFixedChannel, errors.New("host is down"))

		_, _, err := s.ExecuteCommand("connect", TestDeviceAddress1)
		var callErr *dispatch.CallError
		s.Require().ErrorAs(err, &callErr)
		s.Equal(dispatch.CodeConnectionFailed, callErr.Code)
		s.Len(s.adapter.Sockets(), 2, "fallback MUST be attempted")
	})
}

func (s *CommandsTestSuite) TestWriteHex() {
	got := make(chan string, 1)
	go func() {
		var sock *testutils.FakeSocket
		for sock == nil || !sock.IsConnected() {
			time.Sleep(5 * time.Millisecond)
			sock = s.adapter.LastSocket()
		}
		buf := make([]byte, 4)
		n, _ := io.ReadFull(sock.Peer(), buf)
		got <- string(buf[:n])
	}()

	stdout, stderr, err := s.ExecuteCommand("write", TestDeviceAddress1, "41:54", "--hex", "--crlf")
	s.Require().NoError(err)
	s.Empty(stdout)
	s.Contains(stderr, "Wrote 4 bytes to 00:11:22:33:44:55")

	select {
	case data := <-got:
		s.Equal("AT\r\n", data)
	case <-time.After(2 * time.Second):
		s.Fail("device MUST receive the payload")
	}
}

func (s *CommandsTestSuite) TestWriteWaitPrintsReply() {
	stdout := &syncBuffer{}
	done := s.Start(context.Background(), nil, stdout, io.Discard, "write", TestDeviceAddress1, "AT", "--wait", "300ms")

	sock := s.WaitSocket()
	buf := make([]byte, 2)
	_, err := io.ReadFull(sock.Peer(), buf)
	s.Require().NoError(err)
	_, err = sock.Peer().Write([]byte("OK"))
	s.Require().NoError(err)

	s.Require().NoError(s.WaitDone(done))
	s.Equal("OK", stdout.String())
}

func (s *CommandsTestSuite) TestWriteRejectsBadInput() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "zz", "--hex")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid hex data")

	resetCommandFlags()
	_, _, err = s.ExecuteCommand("write", TestDeviceAddress1, "")
	s.Require().Error(err)
	s.Contains(err.Error(), "data required")

	s.Empty(s.adapter.Sockets(), "nothing MUST be dialed for bad input")
}

func (s *CommandsTestSuite) TestBridgeForwardsBothWays() {
	// GOAL: the PTY and the link are spliced in both directions
	//
	// TEST SCENARIO: bridge with --link → tool writes "AT\r\n" to the link path → device receives it →
	// device answers "OK\r\n" → tool reads it → device drops → bridge exits and removes the link
	link := filepath.Join(s.T().TempDir(), "spp0")
	stdout := &syncBuffer{}
	done := s.Start(context.Background(), nil, stdout, io.Discard,
		"bridge", TestDeviceAddress1, "--link", link, "--stats-interval", "0")

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(stdout.String(), "Bridging") {
		select {
		case err := <-done:
			s.T().Skipf("pty not available: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			s.FailNow("bridge MUST start")
		}
	}
	s.Contains(stdout.String(), "Symlink: "+link)
	sock := s.WaitSocket()

	tool, err := os.OpenFile(link, os.O_RDWR|syscall.O_NOCTTY, 0)
	s.Require().NoError(err)
	defer tool.Close()

	_, err = tool.Write([]byte("AT\r\n"))
	s.Require().NoError(err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(sock.Peer(), buf)
	s.Require().NoError(err)
	s.Equal("AT\r\n", string(buf))

	_, err = sock.Peer().Write([]byte("OK\r\n"))
	s.Require().NoError(err)
	_ = tool.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(tool, buf)
	s.Require().NoError(err)
	s.Equal("OK\r\n", string(buf))

	sock.ClosePeer()
	s.ErrorIs(s.WaitDone(done), ErrConnectionLost)
	_, err = os.Lstat(link)
	s.True(os.IsNotExist(err), "symlink MUST be removed")
}

func (s *CommandsTestSuite) TestServe() {
	// GOAL: serve exposes the dispatcher and pushes link events to the host
	//
	// TEST SCENARIO: serve on a free port → host calls getState and connect → device sends "hi" →
	// host gets onDataReceived → cancel → serve returns context.Canceled
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := ln.Addr().String()
	s.Require().NoError(ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := s.Start(ctx, nil, io.Discard, io.Discard, "serve", "--listen", addr, "--log-level", "error")

	var conn *websocket.Conn
	s.Require().Eventually(func() bool {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	read := func() string {
		s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
		_, msg, err := conn.ReadMessage()
		s.Require().NoError(err)
		return string(msg)
	}

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"getState"}`)))
	s.JSONEq(`{"id":1,"result":12}`, read())

	s.Require().NoError(conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":2,"method":"connect","args":{"address":"00:11:22:33:44:55"}}`)))
	s.JSONEq(`{"id":2,"result":1}`, read())

	sock := s.WaitSocket()
	_, err = sock.Peer().Write([]byte("hi"))
	s.Require().NoError(err)
	s.JSONEq(`{"event":"onDataReceived","data":{"address":"00:11:22:33:44:55","data":"aGk="}}`, read())

	cancel()
	s.ErrorIs(s.WaitDone(done), context.Canceled)
	s.Eventually(sock.IsClosed, time.Second, 5*time.Millisecond, "links MUST be released on shutdown")
}

func (s *CommandsTestSuite) TestServeListenError() {
	_, _, err := s.ExecuteCommand("serve", "--listen", "missing-port")
	s.Require().Error(err)
	s.NotErrorIs(err, context.Canceled)
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}
