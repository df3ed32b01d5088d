package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const monitorOutput = `Probing devices...


Device found:

	name  : BlackHole 2ch
	class : Audio/Sink
	caps  : audio/x-raw, format=F32LE, layout=interleaved, rate=48000, channels=2
	properties:
		device.api = osxaudio
		unique-id = BlackHole2ch_UID
		device.description = BlackHole 2ch

Device found:

	name  : MacBook Pro Speakers
	class : Audio/Sink
	caps  : audio/x-raw, format=F32LE, layout=interleaved, rate=48000, channels=2
	properties:
		device.api = osxaudio
		device.description = MacBook Pro Speakers

Device found:

	name  : OBS Virtual Camera
	class : Video/Source
	caps  : video/x-raw, width=1920, height=1080
`

func TestGstDevicesFromCLI(t *testing.T) {
	devices := GstDevicesFromCLI(monitorOutput)
	require.Len(t, devices, 4)

	// The probing banner parses as an empty device.
	assert.Empty(t, devices[0].Name)

	assert.Equal(t, "BlackHole 2ch", devices[1].Name)
	assert.Equal(t, "Audio/Sink", devices[1].Class)
	assert.Equal(t, "osxaudio", devices[1].Properties.API)
	assert.Equal(t, "BlackHole 2ch", devices[1].Properties.Description)

	assert.Equal(t, "OBS Virtual Camera", devices[3].Name)
	assert.Equal(t, "Video/Source", devices[3].Class)

	assert.Empty(t, GstDevicesFromCLI(""))
}

func TestFindDevice(t *testing.T) {
	devices := GstDevicesFromCLI(monitorOutput)

	d, ok := FindDevice(devices, "audio/sink", "blackhole")
	require.True(t, ok)
	assert.Equal(t, "BlackHole 2ch", d.Name)

	d, ok = FindDevice(devices, "Video/Source", "")
	require.True(t, ok)
	assert.Equal(t, "OBS Virtual Camera", d.Name)

	_, ok = FindDevice(devices, "Audio/Source", "")
	assert.False(t, ok)
}

func TestGstLabelerCachesResult(t *testing.T) {
	calls := 0
	l := NewGstLabeler("Audio/Sink", "BlackHole")
	l.run = func(_ context.Context, class string) (string, error) {
		calls++
		assert.Equal(t, "Audio/Sink", class)
		return monitorOutput, nil
	}

	assert.Equal(t, "BlackHole 2ch", l.Label())
	assert.Equal(t, "BlackHole 2ch", l.Label())
	assert.Equal(t, 1, calls)
}

func TestGstLabelerFailureGivesEmptyLabel(t *testing.T) {
	l := NewGstLabeler("Audio/Sink", "BlackHole")
	l.run = func(context.Context, string) (string, error) {
		return "", errors.New("executable file not found in $PATH")
	}
	assert.Empty(t, l.Label())

	p := NewProcess(ProcessOptions{Command: []string{"true"}, Label: "static label"}, nil).WithLabeler(l)
	assert.Equal(t, "static label", p.DeviceLabel())
}
