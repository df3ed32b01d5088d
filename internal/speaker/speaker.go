package speaker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// EncodingS16LE is the only wire encoding served to clients.
const EncodingS16LE = "s16le"

var errUnsupportedFormat = errors.New("the provided audio format is not supported")

// Format describes raw interleaved PCM.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
	SampleSize int
	IsFloat    bool
}

// DefaultFormat matches what the loopback capture helpers emit.
var DefaultFormat = Format{
	Encoding:   EncodingS16LE,
	SampleRate: 48000,
	Channels:   2,
	SampleSize: 2,
}

// Sink receives a PCM stream. Begin is called once before the first Write.
type Sink interface {
	io.Writer
	Begin(format Format) error
}

func (f Format) frameSize() int {
	return f.SampleSize * f.Channels
}

func (f Format) validate() error {
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return errUnsupportedFormat
	}
	switch {
	case f.SampleSize == 2 && !f.IsFloat:
	case f.SampleSize == 4 && f.IsFloat:
	default:
		return errUnsupportedFormat
	}
	return nil
}

// NewChunkReader decodes little-endian raw chunks arriving on chunks into
// wave audio. Chunks do not have to be frame aligned.
func NewChunkReader(chunks <-chan []byte, format Format) (audio.Reader, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}

	decoder, err := wave.NewDecoder(&wave.RawFormat{
		SampleSize:  format.SampleSize,
		IsFloat:     format.IsFloat,
		Interleaved: true,
	})
	if err != nil {
		return nil, err
	}

	frame := format.frameSize()
	var carry []byte

	var reader audio.Reader = audio.ReaderFunc(func() (wave.Audio, func(), error) {
		for {
			chunk, ok := <-chunks
			if !ok {
				return nil, func() {}, io.EOF
			}

			buf := append(carry, chunk...)
			usable := len(buf) - len(buf)%frame
			if usable == 0 {
				carry = buf
				continue
			}
			carry = append([]byte(nil), buf[usable:]...)

			decodedChunk, err := decoder.Decode(binary.LittleEndian, buf[:usable], format.Channels)
			if err != nil {
				return nil, func() {}, err
			}
			switch decodedChunk := decodedChunk.(type) {
			case *wave.Float32Interleaved:
				decodedChunk.Size.SamplingRate = format.SampleRate
			case *wave.Int16Interleaved:
				decodedChunk.Size.SamplingRate = format.SampleRate
			default:
				return nil, func() {}, errUnsupportedFormat
			}
			return decodedChunk, func() {}, nil
		}
	})

	return reader, nil
}

// EncodeS16LE converts a decoded chunk into interleaved signed 16-bit little-endian PCM.
func EncodeS16LE(chunk wave.Audio) ([]byte, error) {
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		out := make([]byte, 2*len(c.Data))
		for i, s := range c.Data {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
		}
		return out, nil
	case *wave.Float32Interleaved:
		out := make([]byte, 2*len(c.Data))
		for i, s := range c.Data {
			binary.LittleEndian.PutUint16(out[2*i:], uint16(floatToInt16(s)))
		}
		return out, nil
	default:
		return nil, errUnsupportedFormat
	}
}

func floatToInt16(s float32) int16 {
	v := float64(s) * math.MaxInt16
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Pump copies decoded audio from reader into sink as s16le until ctx is done
// or the reader ends. A clean end of stream returns nil.
func Pump(ctx context.Context, reader audio.Reader, source Format, sink Sink) error {
	err := sink.Begin(Format{
		Encoding:   EncodingS16LE,
		SampleRate: source.SampleRate,
		Channels:   source.Channels,
		SampleSize: 2,
	})
	if err != nil {
		return fmt.Errorf("begin stream: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		chunk, release, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		encoded, err := EncodeS16LE(chunk)
		release()
		if err != nil {
			return err
		}
		if _, err := sink.Write(encoded); err != nil {
			return err
		}
	}
}
