package landmark

import (
	"math"
	"sync"
)

// tables holds the precomputed windowing and masking coefficients.
// They depend only on the geometry part of the Config, are immutable
// after construction, and are shared between fingerprinter instances.
type tables struct {
	// hann is the Hann window: 0.5·(1 − cos(2πi/(NFFT−1))).
	hann []float64
	// eww[i][j] is a log-domain Gaussian centered at bin i, the width
	// of which grows with i: −0.5·((j−i)/(MaskDF·√(i+3)))².
	eww [][]float64
}

func newTables(cfg Config) *tables {
	half := cfg.NFFT / 2
	t := &tables{
		hann: make([]float64, cfg.NFFT),
		eww:  make([][]float64, half),
	}
	for i := range t.hann {
		t.hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(cfg.NFFT-1)))
	}
	for i := range t.eww {
		t.eww[i] = make([]float64, half)
		for j := range t.eww[i] {
			d := float64(j-i) / (cfg.MaskDF * math.Sqrt(float64(i+3)))
			t.eww[i][j] = -0.5 * d * d
		}
	}
	return t
}

var (
	defaultTablesOnce sync.Once
	defaultTables     *tables
)

// tablesFor returns the shared tables for the default geometry, or
// freshly computed ones for a custom geometry.
func tablesFor(cfg Config) *tables {
	def := Default()
	if cfg.NFFT == def.NFFT && cfg.MaskDF == def.MaskDF {
		defaultTablesOnce.Do(func() {
			defaultTables = newTables(def)
		})
		return defaultTables
	}
	return newTables(cfg)
}
