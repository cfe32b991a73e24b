package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleFloat64 reads one sample encoded as f from the beginning of p
// and returns it normalized to [-1, 1].
func SampleFloat64(f PCMFormat, p []byte) float64 {
	switch f {
	case PCMFormatU8:
		return (float64(p[0]) - 128) / 128
	case PCMFormatS16LE:
		return float64(int16(binary.LittleEndian.Uint16(p))) / 32768
	case PCMFormatS16BE:
		return float64(int16(binary.BigEndian.Uint16(p))) / 32768
	case PCMFormatFloat32LE:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
	case PCMFormatFloat64LE:
		return math.Float64frombits(binary.LittleEndian.Uint64(p))
	default:
		panic(fmt.Sprintf("unknown format: %v", f))
	}
}

// PutSampleFloat64 writes v (expected to be within [-1, 1]) to the
// beginning of p encoded as f.
func PutSampleFloat64(f PCMFormat, p []byte, v float64) {
	switch f {
	case PCMFormatU8:
		p[0] = byte(math.Round(v*127 + 128))
	case PCMFormatS16LE:
		binary.LittleEndian.PutUint16(p, uint16(int16(math.Round(v*32767))))
	case PCMFormatS16BE:
		binary.BigEndian.PutUint16(p, uint16(int16(math.Round(v*32767))))
	case PCMFormatFloat32LE:
		binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)))
	case PCMFormatFloat64LE:
		binary.LittleEndian.PutUint64(p, math.Float64bits(v))
	default:
		panic(fmt.Sprintf("unknown format: %v", f))
	}
}
