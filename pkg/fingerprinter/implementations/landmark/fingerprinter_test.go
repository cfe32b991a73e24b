package landmark

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/audiomatch/pkg/audio"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
)

const testSampleRate = 44100

func testEncoding() audio.EncodingPCM {
	return audio.EncodingPCM{
		PCMFormat:  audio.PCMFormatS16LE,
		SampleRate: testSampleRate,
	}
}

func s16leBytes(samples []float64) []byte {
	res := make([]byte, len(samples)*2)
	for i, v := range samples {
		audio.PutSampleFloat64(audio.PCMFormatS16LE, res[i*2:], v)
	}
	return res
}

func silence(durationSec float64) []byte {
	return make([]byte, int(durationSec*testSampleRate)*2)
}

func tone(freq float64, durationSec float64) []byte {
	n := int(durationSec * testSampleRate)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/testSampleRate)
	}
	return s16leBytes(samples)
}

// pseudoMusic synthesizes a deterministic signal with moving spectral
// peaks: three sinusoids stepping to new frequencies every 200ms over
// a low noise floor.
func pseudoMusic(seed int64, durationSec float64) []byte {
	rng := rand.New(rand.NewSource(seed))
	n := int(durationSec * testSampleRate)
	samples := make([]float64, n)
	segment := testSampleRate / 5
	freqs := make([]float64, 3)
	for i := range samples {
		if i%segment == 0 {
			for j := range freqs {
				freqs[j] = 500 + 15000*rng.Float64()
			}
		}
		v := 0.02 * (rng.Float64()*2 - 1)
		for _, f := range freqs {
			v += 0.25 * math.Sin(2*math.Pi*f*float64(i)/testSampleRate)
		}
		samples[i] = v
	}
	return s16leBytes(samples)
}

func newTestFingerprinter(t *testing.T) *Fingerprinter {
	fp, err := NewFingerprinter(testEncoding(), 1, Config{})
	require.NoError(t, err)
	return fp
}

// fingerprintChunked feeds pcm in chunks of chunkSize bytes (0 means
// all at once) and returns the flattened fingerprint list.
func fingerprintChunked(t *testing.T, pcm []byte, chunkSize int) []fingerprint.Fingerprint {
	fp := newTestFingerprinter(t)
	defer fp.Close()
	ctx := context.Background()

	if chunkSize <= 0 {
		chunkSize = len(pcm)
	}
	var batches []fingerprint.Batch
	for start := 0; start < len(pcm); start += chunkSize {
		end := start + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		out, err := fp.Push(ctx, pcm[start:end])
		require.NoError(t, err)
		batches = append(batches, out...)
	}
	out, err := fp.Finish(ctx)
	require.NoError(t, err)
	batches = append(batches, out...)
	return fingerprint.Flatten(batches)
}

func TestNewFingerprinter(t *testing.T) {
	t.Run("nil encoding", func(t *testing.T) {
		_, err := NewFingerprinter(nil, 1, Config{})
		assert.Error(t, err)
	})
	t.Run("stereo rejected", func(t *testing.T) {
		_, err := NewFingerprinter(testEncoding(), 2, Config{})
		assert.Error(t, err)
	})
	t.Run("no sample rate", func(t *testing.T) {
		_, err := NewFingerprinter(audio.EncodingPCM{PCMFormat: audio.PCMFormatS16LE}, 1, Config{})
		assert.Error(t, err)
	})
	t.Run("NFFT not a power of two", func(t *testing.T) {
		_, err := NewFingerprinter(testEncoding(), 1, Config{NFFT: 48})
		assert.Error(t, err)
	})
}

func TestSilenceYieldsNothing(t *testing.T) {
	fps := fingerprintChunked(t, silence(5), 4096)
	assert.Empty(t, fps)
}

func TestInputShorterThanOneWindow(t *testing.T) {
	fp := newTestFingerprinter(t)
	defer fp.Close()
	ctx := context.Background()

	batches, err := fp.Push(ctx, make([]byte, 62))
	require.NoError(t, err)
	assert.Empty(t, batches)
	batches, err = fp.Finish(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestPushAfterFinish(t *testing.T) {
	fp := newTestFingerprinter(t)
	defer fp.Close()
	ctx := context.Background()

	_, err := fp.Finish(ctx)
	require.NoError(t, err)
	_, err = fp.Push(ctx, make([]byte, 128))
	assert.Error(t, err)
	_, err = fp.Finish(ctx)
	assert.Error(t, err)
}

func TestToneProperties(t *testing.T) {
	cfg := Default()
	fps := fingerprintChunked(t, tone(1000, 2), 4096)
	require.NotEmpty(t, fps)

	msPerFrame := float64(cfg.Step) * 1000 / testSampleRate
	perFrame := map[float64]int{}
	anchorBins := map[int]int{}
	prev := math.Inf(-1)
	for _, f := range fps {
		// every timestamp is a whole number of frames
		frames := f.TimeMs / msPerFrame
		assert.InDelta(t, math.Round(frames), frames, 1e-9, spew.Sdump(f))
		assert.GreaterOrEqual(t, f.TimeMs, prev, "timestamps must be nondecreasing")
		prev = f.TimeMs

		fPast, fAnchor, dt := cfg.UnpackHash(f.Hash)
		assert.NotEqual(t, fPast, fAnchor)
		assert.Less(t, absInt(fPast-fAnchor), cfg.WindowDF)
		assert.GreaterOrEqual(t, dt, 0)
		assert.LessOrEqual(t, dt, cfg.WindowDT)
		assert.GreaterOrEqual(t, f.Hash, 0)

		perFrame[f.TimeMs]++
		anchorBins[fAnchor]++
	}
	for tms, count := range perFrame {
		assert.LessOrEqualf(t, count, cfg.MPPP, "anchor frame at %vms emitted %d fingerprints", tms, count)
	}

	// a 1 kHz tone lives at bin ~1.45 for NFFT=64 @ 44100 Hz
	best, bestCount := -1, 0
	for bin, count := range anchorBins {
		if count > bestCount {
			best, bestCount = bin, count
		}
	}
	assert.Contains(t, []int{1, 2}, best, spew.Sdump(anchorBins))
}

func TestDeterminism(t *testing.T) {
	pcm := pseudoMusic(42, 1)
	a := fingerprintChunked(t, pcm, 4096)
	b := fingerprintChunked(t, pcm, 4096)
	require.NotEmpty(t, a)
	assert.Equal(t, a, b)
}

func TestChunkBoundaryIndependence(t *testing.T) {
	pcm := pseudoMusic(7, 0.5)
	reference := fingerprintChunked(t, pcm, 0)
	require.NotEmpty(t, reference)

	for _, chunkSize := range []int{1, 3, 7, 63, 999, 4096, 65536} {
		chunkSize := chunkSize
		t.Run(fmt.Sprintf("chunk-%d", chunkSize), func(t *testing.T) {
			assert.Equal(t, reference, fingerprintChunked(t, pcm, chunkSize))
		})
	}
}

func TestBufferCompaction(t *testing.T) {
	// >10^6 bytes triggers compaction of the byte buffer; the output
	// must not change.
	pcm := pseudoMusic(3, 12)
	require.Greater(t, len(pcm), 1000000)
	oneShot := fingerprintChunked(t, pcm, 0)
	chunked := fingerprintChunked(t, pcm, 65536)
	require.NotEmpty(t, oneShot)
	assert.Equal(t, oneShot, chunked)
}

func TestPackHashRoundTrip(t *testing.T) {
	cfg := Default()
	for _, tc := range []struct{ fPast, fAnchor, dt int }{
		{0, 1, 0},
		{31, 30, 120},
		{5, 17, 64},
	} {
		h := cfg.PackHash(tc.fPast, tc.fAnchor, tc.dt)
		fPast, fAnchor, dt := cfg.UnpackHash(h)
		assert.Equal(t, tc.fPast, fPast)
		assert.Equal(t, tc.fAnchor, fAnchor)
		assert.Equal(t, tc.dt, dt)
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func BenchmarkFingerprinter(b *testing.B) {
	pcm := pseudoMusic(1, 10)
	enc := testEncoding()
	ctx := context.Background()

	b.SetBytes(int64(len(pcm)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fp, err := NewFingerprinter(enc, 1, Config{})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := fp.Push(ctx, pcm); err != nil {
			b.Fatal(err)
		}
		if _, err := fp.Finish(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
