package speaker

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	format *Format
	buf    bytes.Buffer
}

func (c *captureSink) Begin(f Format) error {
	c.format = &f
	return nil
}

func (c *captureSink) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func TestChunkReaderRealignsFrames(t *testing.T) {
	chunks := make(chan []byte, 2)
	chunks <- []byte{1, 0, 2}
	chunks <- []byte{0, 3, 0, 4, 0, 9}
	close(chunks)

	reader, err := NewChunkReader(chunks, DefaultFormat)
	require.NoError(t, err)

	chunk, release, err := reader.Read()
	require.NoError(t, err)
	defer release()

	pcm, ok := chunk.(*wave.Int16Interleaved)
	require.True(t, ok)
	assert.Equal(t, []int16{1, 2, 3, 4}, pcm.Data)
	assert.Equal(t, 48000, pcm.Size.SamplingRate)

	encoded, err := EncodeS16LE(chunk)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0, 4, 0}, encoded)
}

func TestChunkReaderRejectsBadFormat(t *testing.T) {
	for _, f := range []Format{
		{SampleRate: 48000, Channels: 0, SampleSize: 2},
		{SampleRate: 0, Channels: 2, SampleSize: 2},
		{SampleRate: 48000, Channels: 2, SampleSize: 3},
		{SampleRate: 48000, Channels: 2, SampleSize: 2, IsFloat: true},
	} {
		_, err := NewChunkReader(make(chan []byte), f)
		assert.Error(t, err)
	}
}

func TestPumpWritesS16LEUntilEOF(t *testing.T) {
	chunks := make(chan []byte, 3)
	chunks <- []byte{1, 0, 2, 0}
	chunks <- []byte{3, 0, 4, 0}
	close(chunks)

	format := Format{Encoding: EncodingS16LE, SampleRate: 44100, Channels: 2, SampleSize: 2}
	reader, err := NewChunkReader(chunks, format)
	require.NoError(t, err)

	sink := &captureSink{}
	require.NoError(t, Pump(context.Background(), reader, format, sink))

	require.NotNil(t, sink.format)
	assert.Equal(t, EncodingS16LE, sink.format.Encoding)
	assert.Equal(t, 44100, sink.format.SampleRate)
	assert.Equal(t, 2, sink.format.Channels)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0, 4, 0}, sink.buf.Bytes())
}

func TestPumpStopsOnCancelledContext(t *testing.T) {
	reader, err := NewChunkReader(make(chan []byte), DefaultFormat)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &captureSink{}
	assert.NoError(t, Pump(ctx, reader, DefaultFormat, sink))
	assert.NotNil(t, sink.format)
	assert.Zero(t, sink.buf.Len())
}

func TestFloatSamplesAreClamped(t *testing.T) {
	assert.Equal(t, int16(math.MaxInt16), floatToInt16(1))
	assert.Equal(t, int16(math.MaxInt16), floatToInt16(2.5))
	assert.Equal(t, int16(math.MinInt16), floatToInt16(-3))
	assert.Equal(t, int16(0), floatToInt16(0))
}
