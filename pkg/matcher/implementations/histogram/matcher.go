// Package histogram implements the offset-histogram matcher: every
// hash shared between the two fingerprint lists votes for the time
// offset it implies, votes are quantized into bins, and the fullest
// bin wins.
package histogram

import (
	"context"
	"math"
	"sort"

	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
	"github.com/xaionaro-go/audiomatch/pkg/matcher"
)

type Matcher struct {
	opts matcher.Options
}

var _ matcher.Matcher = (*Matcher)(nil)

func NewMatcher(opts matcher.Options) *Matcher {
	return &Matcher{
		opts: opts.WithDefaults(),
	}
}

// Match locates query list a inside reference list b and reports the
// dominant offset (tB − tA). It never fails on well-formed input; the
// only error source is context cancellation, checked once per query
// fingerprint.
func (m *Matcher) Match(
	ctx context.Context,
	a, b []fingerprint.Fingerprint,
) (matcher.Report, error) {
	report := matcher.Report{
		Matches: []matcher.Detail{},
	}
	if len(a) == 0 || len(b) == 0 {
		return report, nil
	}

	// Hash index over the reference. Duplicate hashes at distinct
	// times are all retained: multiplicity is meaningful.
	index := make(map[int][]float64, len(b))
	for _, fp := range b {
		index[fp.Hash] = append(index[fp.Hash], fp.TimeMs)
	}

	// Join on hash equality and vote. Bins are tracked by integer
	// index (offset/binSize rounded half away from zero), which keeps
	// the histogram exact and platform-independent.
	counts := map[int64]int{}
	var details []matcher.Detail
	for _, fpA := range a {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		for _, tB := range index[fpA.Hash] {
			offset := tB - fpA.TimeMs
			counts[int64(math.Round(offset/m.opts.BinSizeMs))]++
			details = append(details, matcher.Detail{
				Hash:     fpA.Hash,
				TimeAMs:  fpA.TimeMs,
				TimeBMs:  tB,
				OffsetMs: offset,
			})
		}
	}
	if len(counts) == 0 {
		return report, nil
	}

	// Deterministic peak pick: on equal counts the smallest offset
	// wins.
	bins := make([]int64, 0, len(counts))
	for bin := range counts {
		bins = append(bins, bin)
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i] < bins[j] })
	bestBin := bins[0]
	for _, bin := range bins[1:] {
		if counts[bin] > counts[bestBin] {
			bestBin = bin
		}
	}

	bestOffset := float64(bestBin) * m.opts.BinSizeMs
	tolerance := 2 * m.opts.BinSizeMs
	for _, d := range details {
		if math.Abs(d.OffsetMs-bestOffset) <= tolerance {
			report.Matches = append(report.Matches, d)
		}
	}

	report.OffsetMs = bestOffset
	report.Confidence = float64(counts[bestBin])
	report.MatchCount = len(report.Matches)
	report.MatchRate = float64(report.MatchCount) / float64(len(a))
	return report, nil
}
