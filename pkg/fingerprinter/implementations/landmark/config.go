package landmark

import (
	"fmt"
	"math"
)

const (
	defaultNFFT      = 64
	defaultMNLM      = 10
	defaultMPPP      = 10
	defaultWindowDF  = 80
	defaultWindowDT  = 120
	defaultPruningDT = 32
	defaultMaskDF    = 3.0

	// defaultBufferSoftCap is the PCM byte buffer size past which
	// already-consumed bytes are compacted away.
	defaultBufferSoftCap = 1000000
)

// Config holds the tunables of the landmark fingerprint generator.
// The zero value of each field means "use the default".
type Config struct {
	// NFFT is the FFT window length in samples. Must be a power of two.
	NFFT int
	// Step is the hop between successive frames. Defaults to NFFT/2
	// (50% overlap).
	Step int
	// MNLM is the maximum number of local maxima kept per frame.
	MNLM int
	// MPPP is the maximum number of fingerprints emitted per anchor
	// frame.
	MPPP int
	// IFMin and IFMax delimit the frequency bin range used for peaks
	// and pairing. IFMax defaults to NFFT/2.
	IFMin int
	IFMax int
	// WindowDF is the maximum bin distance between paired peaks.
	// Capped at NFFT/2.
	WindowDF int
	// WindowDT is the maximum frame distance (into the past) a pair
	// may span.
	WindowDT int
	// PruningDT is the number of frames a peak stays provisional
	// before its frame becomes an anchor.
	PruningDT int
	// MaskDF scales the width of the Gaussian threshold mask on the
	// frequency axis.
	MaskDF float64
	// MaskDecayLog is the per-frame decrement of the log-domain
	// threshold. Defaults to ln(0.99).
	MaskDecayLog float64
	// BufferSoftCap is the input byte buffer size that triggers
	// compaction of already-consumed bytes.
	BufferSoftCap int
}

// Default returns the configuration the fingerprints of which are
// compatible with the on-disk cache files produced by this package.
func Default() Config {
	return Config{}.withDefaults()
}

func (cfg Config) withDefaults() Config {
	if cfg.NFFT <= 0 {
		cfg.NFFT = defaultNFFT
	}
	if cfg.Step <= 0 {
		cfg.Step = cfg.NFFT / 2
	}
	if cfg.MNLM <= 0 {
		cfg.MNLM = defaultMNLM
	}
	if cfg.MPPP <= 0 {
		cfg.MPPP = defaultMPPP
	}
	if cfg.IFMax <= 0 {
		cfg.IFMax = cfg.NFFT / 2
	}
	if cfg.WindowDF <= 0 {
		cfg.WindowDF = defaultWindowDF
	}
	if cfg.WindowDF > cfg.NFFT/2 {
		cfg.WindowDF = cfg.NFFT / 2
	}
	if cfg.WindowDT <= 0 {
		cfg.WindowDT = defaultWindowDT
	}
	if cfg.PruningDT <= 0 {
		cfg.PruningDT = defaultPruningDT
	}
	if cfg.MaskDF <= 0 {
		cfg.MaskDF = defaultMaskDF
	}
	if cfg.MaskDecayLog == 0 {
		cfg.MaskDecayLog = math.Log(0.99)
	}
	if cfg.BufferSoftCap <= 0 {
		cfg.BufferSoftCap = defaultBufferSoftCap
	}
	return cfg
}

func (cfg Config) validate() error {
	if cfg.NFFT&(cfg.NFFT-1) != 0 {
		return fmt.Errorf("NFFT must be a power of two: got %d", cfg.NFFT)
	}
	if cfg.Step > cfg.NFFT {
		return fmt.Errorf("step must not exceed NFFT: %d > %d", cfg.Step, cfg.NFFT)
	}
	if cfg.IFMin < 0 || cfg.IFMax > cfg.NFFT/2 || cfg.IFMin >= cfg.IFMax {
		return fmt.Errorf("invalid bin range [%d, %d) for NFFT %d", cfg.IFMin, cfg.IFMax, cfg.NFFT)
	}
	return nil
}

// PackHash packs a peak pair into a single integer:
// fPast + (NFFT/2)·(fAnchor + (NFFT/2)·dt).
func (cfg Config) PackHash(fPast, fAnchor, dt int) int {
	h := cfg.NFFT / 2
	return fPast + h*(fAnchor+h*dt)
}

// UnpackHash is the inverse of PackHash.
func (cfg Config) UnpackHash(hash int) (fPast, fAnchor, dt int) {
	h := cfg.NFFT / 2
	return hash % h, (hash / h) % h, hash / (h * h)
}
