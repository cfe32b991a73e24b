package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleFloat64S16LE(t *testing.T) {
	assert.Equal(t, 0.0, SampleFloat64(PCMFormatS16LE, []byte{0x00, 0x00}))
	assert.Equal(t, -1.0, SampleFloat64(PCMFormatS16LE, []byte{0x00, 0x80}))
	assert.InDelta(t, 1.0, SampleFloat64(PCMFormatS16LE, []byte{0xff, 0x7f}), 1e-4)
}

func TestPutSampleFloat64RoundTrip(t *testing.T) {
	for _, f := range []PCMFormat{
		PCMFormatU8,
		PCMFormatS16LE,
		PCMFormatS16BE,
		PCMFormatFloat32LE,
		PCMFormatFloat64LE,
	} {
		f := f
		t.Run(f.String(), func(t *testing.T) {
			buf := make([]byte, f.Size())
			for _, v := range []float64{0, 0.5, -0.5, 0.999, -0.999} {
				PutSampleFloat64(f, buf, v)
				assert.InDelta(t, v, SampleFloat64(f, buf), 1.0/64, "value %v", v)
			}
		})
	}
}

func TestBytesPerSample(t *testing.T) {
	assert.EqualValues(t, 2, EncodingPCM{PCMFormat: PCMFormatS16LE, SampleRate: 44100}.BytesPerSample())
	assert.EqualValues(t, 8, EncodingPCM{PCMFormat: PCMFormatFloat64LE, SampleRate: 44100}.BytesPerSample())
}
