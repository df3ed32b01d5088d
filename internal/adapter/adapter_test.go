package adapter

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bareAdapter struct {
	starts    int
	streamURL string
}

func (b *bareAdapter) Start(context.Context) error { b.starts++; return nil }
func (b *bareAdapter) Stop(context.Context) error { return nil }
func (b *bareAdapter) SetStreamURL(url string) { b.streamURL = url }
func (b *bareAdapter) SetDeviceIdentity(Identity) {}
func (b *bareAdapter) DeviceLabel() string { return "" }

type checkedAdapter struct {
	bareAdapter
	running bool
	err     error
	panics  bool
	lens    Lens
}

func (c *checkedAdapter) IsRunning(context.Context) (bool, error) {
	if c.panics {
		panic("probe exploded")
	}
	return c.running, c.err
}

func (c *checkedAdapter) SetCameraOptions(lens Lens, _ Orientation) { c.lens = lens }

func TestParseLensAndOrientation(t *testing.T) {
	lens, ok := ParseLens("front")
	assert.True(t, ok)
	assert.Equal(t, LensFront, lens)
	_, ok = ParseLens("wide")
	assert.False(t, ok)

	o, ok := ParseOrientation("landscape_lock")
	assert.True(t, ok)
	assert.Equal(t, OrientationLandscapeLock, o)
	_, ok = ParseOrientation("upside_down")
	assert.False(t, ok)
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	assert.True(t, Probe(ctx, &bareAdapter{}))
	assert.True(t, Probe(ctx, &checkedAdapter{running: true}))
	assert.False(t, Probe(ctx, &checkedAdapter{running: false}))
	assert.False(t, Probe(ctx, &checkedAdapter{running: true, err: errors.New("gone")}))
	assert.False(t, Probe(ctx, &checkedAdapter{panics: true}))
}

func TestStreamProbeBlocksStart(t *testing.T) {
	inner := &checkedAdapter{running: true}
	a := WithStreamProbe(inner, func(context.Context, string) error {
		return errors.New("stream unreachable: connection refused")
	})

	a.SetStreamURL("rtsp://10.0.0.9:8554/live")
	err := a.Start(context.Background())
	assert.ErrorContains(t, err, "stream unreachable")
	assert.Zero(t, inner.starts)
	assert.Equal(t, "rtsp://10.0.0.9:8554/live", inner.streamURL)
}

func TestStreamProbeForwards(t *testing.T) {
	inner := &checkedAdapter{running: true}
	var checked string
	a := WithStreamProbe(inner, func(_ context.Context, u string) error {
		checked = u
		return nil
	})

	a.SetStreamURL("rtsp://10.0.0.9:8554/live")
	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, 1, inner.starts)
	assert.Equal(t, "rtsp://10.0.0.9:8554/live", checked)

	cc, ok := a.(CameraConfigurer)
	require.True(t, ok)
	cc.SetCameraOptions(LensFront, OrientationAuto)
	assert.Equal(t, LensFront, inner.lens)

	assert.True(t, Probe(context.Background(), a))
	inner.running = false
	assert.False(t, Probe(context.Background(), a))
}

func TestRTSPCheckSkipsOtherSchemes(t *testing.T) {
	check := RTSPCheck(time.Second)
	assert.NoError(t, check(context.Background(), "srt://10.0.0.9:9000"))
	assert.NoError(t, check(context.Background(), "proto://h:1/"))
}

func TestRTSPCheckReportsUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	err = RTSPCheck(500*time.Millisecond)(context.Background(), "rtsp://"+addr+"/live")
	assert.ErrorContains(t, err, "stream unreachable")
}
