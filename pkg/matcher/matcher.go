// Package matcher aligns two fingerprint streams by joining them on
// hash equality and finding the dominant time offset.
package matcher

import (
	"context"

	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
)

// Options are the tunables of a match run. The zero value of each
// field means "use the default".
type Options struct {
	// BinSizeMs is the quantization step of candidate offsets, in
	// milliseconds.
	BinSizeMs float64
	// ConfidenceThreshold is the minimum confidence below which the
	// result should be treated as "no match found".
	ConfidenceThreshold float64
}

const (
	DefaultBinSizeMs           = 0.05
	DefaultConfidenceThreshold = 5
)

func (opts Options) WithDefaults() Options {
	if opts.BinSizeMs <= 0 {
		opts.BinSizeMs = DefaultBinSizeMs
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return opts
}

// Detail is the evidence of one agreeing fingerprint pair.
type Detail struct {
	Hash     int     `json:"hash"`
	TimeAMs  float64 `json:"time_a_ms"`
	TimeBMs  float64 `json:"time_b_ms"`
	OffsetMs float64 `json:"offset_ms"`
}

// Report is the outcome of matching a query fingerprint list A against
// a reference fingerprint list B.
type Report struct {
	// OffsetMs is the winning offset bin: the position of A within B,
	// in milliseconds (tB − tA).
	OffsetMs float64 `json:"offset_ms"`
	// MatchCount is the number of evidence entries within tolerance
	// of the winning bin.
	MatchCount int `json:"match_count"`
	// MatchRate is MatchCount divided by the size of A.
	MatchRate float64 `json:"match_rate"`
	// Confidence is the raw count of the winning offset bin.
	Confidence float64  `json:"confidence"`
	Matches    []Detail `json:"matches"`
}

// Matcher computes the dominant time offset between two fingerprint
// lists. Implementations are stateless and safe for concurrent use.
type Matcher interface {
	Match(ctx context.Context, a, b []fingerprint.Fingerprint) (Report, error)
}
