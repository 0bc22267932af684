package link

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/btspp/internal/device"
	"github.com/srg/btspp/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = device.Address("AA:BB:CC:DD:EE:FF")

func newTestLink(t *testing.T) (*Link, *testutils.FakeSocket) {
	t.Helper()
	helper := testutils.NewTestHelper(t)

	adapter := testutils.NewFakeAdapter()
	sock, err := adapter.NewSocket(testAddress, device.ChannelSpec{Strategy: device.StrategyServiceRecord})
	require.NoError(t, err)
	fake := sock.(*testutils.FakeSocket)

	l := newLink(testAddress, device.StrategyServiceRecord, fake, 8, helper.Logger)
	t.Cleanup(l.Close)
	return l, fake
}

func TestLink_ReadReturnsChunks(t *testing.T) {
	l, fake := newTestLink(t)

	go func() {
		_, _ = fake.Peer().Write([]byte("hello"))
	}()

	data, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.True(t, l.IsAlive())
}

func TestLink_ReadBoundedByBufferSize(t *testing.T) {
	// GOAL: a single read never returns more than the configured buffer size
	l, fake := newTestLink(t)

	payload := []byte("0123456789abcdef")
	go func() {
		_, _ = fake.Peer().Write(payload)
	}()

	first, err := l.Read()
	require.NoError(t, err)
	assert.Len(t, first, 8)

	second, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, payload, append(first, second...))
}

func TestLink_ReadAfterPeerCloseIsDisconnected(t *testing.T) {
	l, fake := newTestLink(t)

	fake.ClosePeer()

	data, err := l.Read()
	assert.Nil(t, data)
	require.Error(t, err)
	assert.True(t, device.IsKind(err, device.Disconnected), "MUST report Disconnected, got %v", err)
	assert.False(t, l.IsAlive(), "link MUST be not alive after a failed read")

	_, err = l.Read()
	assert.True(t, device.IsKind(err, device.Disconnected))
}

func TestLink_WriteToDeadLinkTouchesNoTransport(t *testing.T) {
	l, fake := newTestLink(t)
	l.Close()

	err := l.Write([]byte{0x01})
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrNotConnected))
	assert.Equal(t, int32(0), fake.Writes.Load(), "write MUST NOT reach the transport")
}

func TestLink_WriteFailureMarksNotAlive(t *testing.T) {
	l, fake := newTestLink(t)
	fake.ClosePeer()

	err := l.Write([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, device.IsKind(err, device.Disconnected))
	assert.False(t, l.IsAlive())
}

func TestLink_WriteFlushesAllBytes(t *testing.T) {
	l, fake := newTestLink(t)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2)
		n, _ := fake.Peer().Read(buf)
		got <- buf[:n]
	}()

	require.NoError(t, l.Write([]byte{0x01, 0x02}))
	assert.Equal(t, []byte{0x01, 0x02}, <-got)
}

func TestLink_IsAliveMemoizesNegativeProbe(t *testing.T) {
	l, fake := newTestLink(t)

	fake.FailProbe(errors.New("host is down"))
	assert.False(t, l.IsAlive())

	fake.FailProbe(nil)
	assert.False(t, l.IsAlive(), "a failed probe MUST be permanent")
}

func TestLink_IsAliveDoesNotConsumeData(t *testing.T) {
	// GOAL: liveness checks never steal bytes from the data stream
	//
	// TEST SCENARIO: peer sends bytes → IsAlive called repeatedly → Read returns all bytes
	l, fake := newTestLink(t)

	go func() {
		_, _ = fake.Peer().Write([]byte{0x42, 0x43})
	}()

	for i := 0; i < 5; i++ {
		assert.True(t, l.IsAlive())
	}
	assert.GreaterOrEqual(t, fake.Probes.Load(), int32(5))

	data, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0x43}, data)
}

func TestLink_CloseIsIdempotentAndInterruptsRead(t *testing.T) {
	l, fake := newTestLink(t)

	done := make(chan error, 1)
	go func() {
		_, err := l.Read()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()
	l.Close()

	select {
	case err := <-done:
		assert.True(t, device.IsKind(err, device.Disconnected))
	case <-time.After(2 * time.Second):
		t.Fatal("Close MUST interrupt a blocked Read")
	}

	assert.Equal(t, int32(1), fake.CloseCalls.Load())
	assert.False(t, l.IsAlive())
}

func TestLink_Identity(t *testing.T) {
	l1, _ := newTestLink(t)
	l2, _ := newTestLink(t)

	assert.Equal(t, testAddress, l1.Address())
	assert.Equal(t, device.StrategyServiceRecord, l1.Strategy())
	assert.NotEqual(t, l1.ID(), l2.ID())
	assert.Contains(t, l1.String(), string(testAddress))
}

func TestLink_ClaimsAreSingleShot(t *testing.T) {
	l, _ := newTestLink(t)

	assert.True(t, l.claimRelease())
	assert.False(t, l.claimRelease())
	assert.True(t, l.claimPump())
	assert.False(t, l.claimPump())
}
