package audio

import (
	"fmt"
)

type SampleRate uint32

type Channel uint16

type PCMFormat uint8

const (
	PCMFormatUndefined = PCMFormat(iota)
	PCMFormatU8
	PCMFormatS16LE
	PCMFormatS16BE
	PCMFormatFloat32LE
	PCMFormatFloat64LE
)

func (f PCMFormat) Size() uint {
	switch f {
	case PCMFormatU8:
		return 1
	case PCMFormatS16LE, PCMFormatS16BE:
		return 2
	case PCMFormatFloat32LE:
		return 4
	case PCMFormatFloat64LE:
		return 8
	default:
		panic(fmt.Sprintf("unknown format: %v", f))
	}
}

func (f PCMFormat) String() string {
	switch f {
	case PCMFormatU8:
		return "u8"
	case PCMFormatS16LE:
		return "s16le"
	case PCMFormatS16BE:
		return "s16be"
	case PCMFormatFloat32LE:
		return "f32le"
	case PCMFormatFloat64LE:
		return "f64le"
	default:
		return fmt.Sprintf("unknown_format_%d", uint8(f))
	}
}

// Encoding describes how a byte stream encodes audio samples.
type Encoding interface {
	BytesPerSample() uint
}

type EncodingPCM struct {
	PCMFormat  PCMFormat
	SampleRate SampleRate
}

var _ Encoding = EncodingPCM{}

func (e EncodingPCM) BytesPerSample() uint {
	return e.PCMFormat.Size()
}
