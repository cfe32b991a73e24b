// Package landmark implements a streaming landmark-based audio
// fingerprint generator.
//
// The input is a mono PCM byte stream; the output is a stream of
// ⟨time, hash⟩ fingerprints. Each frame of the sliding short-time
// spectrogram contributes up to MNLM spectral peaks; a peak survives a
// per-bin adaptive threshold that is bumped by every accepted peak
// (through a Gaussian mask widening with frequency) and decays over
// time. After a pruning delay the surviving peaks of a frame become
// anchors and are paired with earlier peaks of the constellation,
// each pair packed into one integer hash.
package landmark

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/xaionaro-go/audiomatch/pkg/audio"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprinter"
)

type Fingerprinter struct {
	cfg      Config
	encoding audio.EncodingPCM
	channels audio.Channel
	tbl      *tables

	// msPerFrame converts a frame index to milliseconds.
	msPerFrame float64

	// buf holds the not-yet-discarded suffix of the input byte
	// stream; bufBase is the absolute stream offset of buf[0].
	buf     []byte
	bufBase int64
	// frame is the index of the next frame to process.
	frame int64
	// threshold is the per-bin log-domain floor peaks must exceed.
	threshold []float64
	marks     *markRing
	finished  bool

	// per-frame scratch buffers
	frameBuf []float64
	spectrum []float64
	diff     []float64
	locBins  []int
	locMags  []float64
}

var _ fingerprinter.Fingerprinter = (*Fingerprinter)(nil)

type Factory struct {
	Config Config
}

var _ fingerprinter.Factory = (*Factory)(nil)

func (f *Factory) NewFingerprinter(encoding audio.Encoding, channels audio.Channel) (fingerprinter.Fingerprinter, error) {
	return NewFingerprinter(encoding, channels, f.Config)
}

// NewFingerprinter initializes a landmark fingerprinter for a mono PCM
// stream. Zero-valued Config fields fall back to the defaults.
func NewFingerprinter(encoding audio.Encoding, channels audio.Channel, cfg Config) (*Fingerprinter, error) {
	if encoding == nil {
		return nil, fmt.Errorf("encoding is mandatory")
	}
	encPCM, ok := encoding.(audio.EncodingPCM)
	if !ok {
		return nil, fmt.Errorf("unsupported encoding type: %T", encoding)
	}
	if encPCM.SampleRate == 0 {
		return nil, fmt.Errorf("sample rate is mandatory")
	}
	if channels != 1 {
		return nil, fmt.Errorf("only mono input is supported (downmix first): got %d channels", channels)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	half := cfg.NFFT / 2
	p := &Fingerprinter{
		cfg:        cfg,
		encoding:   encPCM,
		channels:   channels,
		tbl:        tablesFor(cfg),
		msPerFrame: float64(cfg.Step) * 1000 / float64(encPCM.SampleRate),
		threshold:  make([]float64, half),
		marks:      newMarkRing(cfg.WindowDT + cfg.PruningDT + 2),
		frameBuf:   make([]float64, cfg.NFFT),
		spectrum:   make([]float64, half),
		diff:       make([]float64, half),
		locBins:    make([]int, cfg.MNLM),
		locMags:    make([]float64, cfg.MNLM),
	}
	return p, nil
}

func (p *Fingerprinter) Close() error {
	p.finished = true
	p.buf = nil
	return nil
}

func (p *Fingerprinter) Encoding(
	ctx context.Context,
) (audio.Encoding, error) {
	return p.encoding, nil
}

func (p *Fingerprinter) Channels(
	ctx context.Context,
) (audio.Channel, error) {
	return p.channels, nil
}

// Push feeds the next chunk of the PCM byte stream and returns the
// batches finalized by it, one batch per anchor frame that produced
// fingerprints.
func (p *Fingerprinter) Push(
	ctx context.Context,
	data []byte,
) ([]fingerprint.Batch, error) {
	if p.finished {
		return nil, fmt.Errorf("the stream is already finished")
	}
	p.buf = append(p.buf, data...)
	batches := p.processAvailable()
	p.compact()
	return batches, nil
}

// Finish signals end-of-stream. All frames whose pruning window closed
// were already emitted by Push; anchors still inside the pruning window
// are dropped, consistent with the streaming model.
func (p *Fingerprinter) Finish(
	ctx context.Context,
) ([]fingerprint.Batch, error) {
	if p.finished {
		return nil, fmt.Errorf("the stream is already finished")
	}
	p.finished = true
	return nil, nil
}

// processAvailable runs the per-frame pipeline for every frame whose
// NFFT samples are fully buffered.
func (p *Fingerprinter) processAvailable() []fingerprint.Batch {
	var batches []fingerprint.Batch
	sampleSize := int64(p.encoding.BytesPerSample())
	for {
		end := (p.frame*int64(p.cfg.Step) + int64(p.cfg.NFFT)) * sampleSize
		if p.bufBase+int64(len(p.buf)) < end {
			return batches
		}
		if b, ok := p.processFrame(); ok {
			batches = append(batches, b)
		}
	}
}

func (p *Fingerprinter) processFrame() (fingerprint.Batch, bool) {
	cfg := &p.cfg
	half := cfg.NFFT / 2
	sampleSize := int64(p.encoding.BytesPerSample())

	// Window and scale. SampleFloat64 already normalizes to [-1, 1],
	// which for S16LE is the 2^(8·BPS−1) divisor.
	frameStart := p.frame * int64(cfg.Step)
	for i := 0; i < cfg.NFFT; i++ {
		off := (frameStart+int64(i))*sampleSize - p.bufBase
		p.frameBuf[i] = audio.SampleFloat64(p.encoding.PCMFormat, p.buf[off:]) * p.tbl.hann[i]
	}

	// Magnitude spectrum with a perceptual tilt: bass is attenuated,
	// treble amplified, which makes peaks more salient.
	spec := fft.FFTReal(p.frameBuf)
	for i := 0; i < half; i++ {
		p.spectrum[i] = cmplx.Abs(spec[i])
	}
	for i := cfg.IFMin; i < cfg.IFMax; i++ {
		p.spectrum[i] *= math.Sqrt(float64(i) + 16)
	}

	// Excess of the log spectrum over the adaptive threshold.
	for i := 0; i < half; i++ {
		p.diff[i] = math.Max(0, math.Log(math.Max(1e-6, p.spectrum[i]))-p.threshold[i])
	}

	// Top-MNLM local maxima of diff, ranked by raw magnitude. A NaN
	// magnitude never passes the comparisons, so it is never accepted.
	for k := 0; k < cfg.MNLM; k++ {
		p.locBins[k] = -1
		p.locMags[k] = math.Inf(-1)
	}
	for i := cfg.IFMin + 1; i < cfg.IFMax-1; i++ {
		if !(p.diff[i] > p.diff[i-1] && p.diff[i] > p.diff[i+1]) {
			continue
		}
		if !(p.spectrum[i] > p.locMags[cfg.MNLM-1]) {
			continue
		}
		pos := cfg.MNLM - 1
		for pos > 0 && p.spectrum[i] > p.locMags[pos-1] {
			pos--
		}
		copy(p.locBins[pos+1:], p.locBins[pos:cfg.MNLM-1])
		copy(p.locMags[pos+1:], p.locMags[pos:cfg.MNLM-1])
		p.locBins[pos] = i
		p.locMags[pos] = p.spectrum[i]
	}

	// Raise the floor around each accepted peak, more broadly at
	// higher bins.
	nLoc := 0
	for k := 0; k < cfg.MNLM && p.locBins[k] >= 0; k++ {
		nLoc = k + 1
		lv := math.Log(math.Max(1e-6, p.locMags[k]))
		eww := p.tbl.eww[p.locBins[k]]
		for j := cfg.IFMin; j < cfg.IFMax; j++ {
			if t := lv + eww[j]; t > p.threshold[j] {
				p.threshold[j] = t
			}
		}
	}

	p.marks.push(p.frame, p.locBins[:nLoc], p.locMags[:nLoc])

	// Back-prune: a peak accepted within the last PRUNING_DT frames
	// is invalidated once the (decay-adjusted) threshold overtakes it.
	// Bin 0 is reserved for DC and exempt.
	for t := max64(0, p.frame-int64(cfg.PruningDT)); t <= p.frame; t++ {
		m := p.marks.at(t)
		decay := p.cfg.MaskDecayLog * float64(p.frame-t)
		for k := range m.bins {
			bin := m.bins[k]
			if bin == 0 || math.IsInf(m.mags[k], -1) {
				continue
			}
			if math.Log(math.Max(1e-6, m.mags[k])) < p.threshold[bin]+decay {
				m.mags[k] = math.Inf(-1)
				m.bins[k] = 0
			}
		}
	}

	// The frame leaving the pruning window becomes the anchor frame:
	// its surviving peaks are paired with earlier peaks of the
	// constellation.
	var batch fingerprint.Batch
	emitted := false
	t0 := p.frame - int64(cfg.PruningDT) - 1
	if t0 >= 0 && p.marks.contains(t0) {
		batch = p.emitAnchors(t0)
		emitted = batch.Len() > 0
		p.marks.dropBefore(t0 + 1 - int64(cfg.WindowDT))
	}

	for j := range p.threshold {
		p.threshold[j] += cfg.MaskDecayLog
	}
	p.frame++
	return batch, emitted
}

// emitAnchors pairs each surviving peak of anchor frame t0 with the
// valid peaks of frames [t0−WINDOW_DT, t0], newest first, and stops
// after MPPP fingerprints for the frame.
func (p *Fingerprinter) emitAnchors(t0 int64) fingerprint.Batch {
	cfg := &p.cfg
	tms := float64(t0) * p.msPerFrame
	var batch fingerprint.Batch

	m0 := p.marks.at(t0)
	n := 0
anchors:
	for k := range m0.bins {
		if math.IsInf(m0.mags[k], -1) {
			continue
		}
		anchorBin := m0.bins[k]
		jMin := max64(0, t0-int64(cfg.WindowDT))
		for j := t0; j >= jMin; j-- {
			if !p.marks.contains(j) {
				continue
			}
			m := p.marks.at(j)
			for q := range m.bins {
				if math.IsInf(m.mags[q], -1) {
					continue
				}
				pastBin := m.bins[q]
				if pastBin == anchorBin {
					continue
				}
				if df := pastBin - anchorBin; df >= cfg.WindowDF || -df >= cfg.WindowDF {
					continue
				}
				batch.TCodes = append(batch.TCodes, tms)
				batch.HCodes = append(batch.HCodes, cfg.PackHash(pastBin, anchorBin, int(t0-j)))
				n++
				if n >= cfg.MPPP {
					break anchors
				}
			}
		}
	}
	return batch
}

// compact drops already-consumed bytes once the buffer outgrows the
// soft cap. Bytes from the start of the next frame onwards are still
// needed and always retained.
func (p *Fingerprinter) compact() {
	if len(p.buf) <= p.cfg.BufferSoftCap {
		return
	}
	keepFrom := p.frame * int64(p.cfg.Step) * int64(p.encoding.BytesPerSample())
	cut := keepFrom - p.bufBase
	if cut <= 0 {
		return
	}
	n := copy(p.buf, p.buf[cut:])
	p.buf = p.buf[:n]
	p.bufBase = keepFrom
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
