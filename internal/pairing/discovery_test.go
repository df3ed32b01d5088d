package pairing

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startResponder(t *testing.T) *Responder {
	t.Helper()
	logger, _ := test.NewNullLogger()
	r := NewResponder("127.0.0.1:0", testDescriptor, logger)
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func sendProbe(t *testing.T, to net.Addr, payload string) ([]byte, error) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.WriteTo([]byte(payload), to)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestResponderRepliesToMagic(t *testing.T) {
	r := startResponder(t)

	reply, err := sendProbe(t, r.Addr(), DiscoveryMagic)
	require.NoError(t, err)

	var d Descriptor
	require.NoError(t, json.Unmarshal(reply, &d))
	assert.Equal(t, testDescriptor(), d)
}

func TestResponderIgnoresOtherDatagrams(t *testing.T) {
	r := startResponder(t)

	_, err := sendProbe(t, r.Addr(), "HELLO")
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestResponderStartTwice(t *testing.T) {
	r := startResponder(t)
	assert.ErrorIs(t, r.Start(), ErrResponderRunning)
}

func TestResponderStopIsIdempotent(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewResponder("127.0.0.1:0", testDescriptor, logger)
	require.NoError(t, r.Start())

	r.Stop()
	r.Stop()
	assert.Nil(t, r.Addr())
}

func TestResponderServeStopsWithContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewResponder("127.0.0.1:0", testDescriptor, logger)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	require.Eventually(t, func() bool { return r.Addr() != nil }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("responder did not stop")
	}
}
