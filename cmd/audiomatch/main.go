// Command audiomatch locates where a query audio clip occurs inside a
// reference audio clip, by fingerprinting both and aligning the
// fingerprints on their dominant time offset.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/audiomatch/pkg/decoder"
	"github.com/xaionaro-go/audiomatch/pkg/decoder/implementations/ffmpeg"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprinter/implementations/landmark"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprinterstream"
	"github.com/xaionaro-go/audiomatch/pkg/fpcache"
	"github.com/xaionaro-go/audiomatch/pkg/matcher"
	"github.com/xaionaro-go/audiomatch/pkg/matcher/implementations/histogram"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/observability"
)

const samplingRate = 44100

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	binSize := pflag.Float64("bin-size", matcher.DefaultBinSizeMs, "offset histogram bin size, in milliseconds")
	confidenceThreshold := pflag.Float64("confidence-threshold", matcher.DefaultConfidenceThreshold, "confidence below which the match is reported as unreliable")
	noCache := pflag.Bool("no-cache", false, "neither read nor write fingerprint cache files")
	ffmpegPath := pflag.String("ffmpeg", ffmpeg.DefaultBinaryPath, "path to the ffmpeg binary")
	jsonOutput := pflag.Bool("json", false, "print the raw match report as JSON")
	pflag.Parse()

	if pflag.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <query-audio-file> <reference-audio-file>\n", os.Args[0])
		pflag.PrintDefaults()
		os.Exit(2)
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	opts := matcher.Options{
		BinSizeMs:           *binSize,
		ConfidenceThreshold: *confidenceThreshold,
	}.WithDefaults()
	err := run(ctx, pflag.Arg(0), pflag.Arg(1), opts, !*noCache, *ffmpegPath, *jsonOutput)
	if err != nil {
		logger.Errorf(ctx, "%v", err)
		belt.Flush(ctx)
		os.Exit(1)
	}
}

func run(
	ctx context.Context,
	queryPath string,
	referencePath string,
	opts matcher.Options,
	useCache bool,
	ffmpegPath string,
	jsonOutput bool,
) error {
	dec := ffmpeg.NewDecoder(ffmpegPath, samplingRate)

	// The two fingerprint pipelines are independent, so they run
	// overlapped.
	type pipelineResult struct {
		idx int
		fps []fingerprint.Fingerprint
		err error
	}
	resultCh := make(chan pipelineResult, 2)
	for idx, path := range []string{queryPath, referencePath} {
		idx, path := idx, path
		observability.Go(ctx, func() {
			fps, err := fingerprintFile(ctx, dec, path, useCache)
			if err != nil {
				err = fmt.Errorf("unable to fingerprint %q: %w", path, err)
			}
			resultCh <- pipelineResult{idx: idx, fps: fps, err: err}
		})
	}

	var fps [2][]fingerprint.Fingerprint
	var mErr *multierror.Error
	for i := 0; i < 2; i++ {
		r := <-resultCh
		if r.err != nil {
			mErr = multierror.Append(mErr, r.err)
			continue
		}
		fps[r.idx] = r.fps
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}

	report, err := histogram.NewMatcher(opts).Match(ctx, fps[0], fps[1])
	if err != nil {
		return fmt.Errorf("unable to match: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(report, opts)
	return nil
}

func fingerprintFile(
	ctx context.Context,
	dec decoder.Decoder,
	path string,
	useCache bool,
) ([]fingerprint.Fingerprint, error) {
	if useCache {
		fps, ok, err := fpcache.Load(path)
		switch {
		case err == nil && ok:
			logger.Infof(ctx, "%q: loaded %d fingerprints from cache", path, len(fps))
			return fps, nil
		case errors.Is(err, fpcache.ErrMalformed):
			logger.Warnf(ctx, "%q: ignoring the cache: %v", path, err)
		case err != nil:
			return nil, err
		}
	}

	encoding, err := dec.Encoding(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to get the encoding of the decoder: %w", err)
	}
	channels, err := dec.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to get the amount of channels of the decoder: %w", err)
	}

	pcm, err := dec.DecodePCM(ctx, path)
	if err != nil {
		return nil, err
	}

	counter := datacounter.NewReaderCounter(pcm)
	progressCtx, progressCancelFunc := context.WithCancel(ctx)
	defer progressCancelFunc()
	observability.Go(progressCtx, func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return
			case <-t.C:
				logger.Debugf(progressCtx, "%q: decoded %d bytes", path, counter.Count())
			}
		}
	})

	fp, err := landmark.NewFingerprinter(encoding, channels, landmark.Config{})
	if err != nil {
		pcm.Close()
		return nil, fmt.Errorf("unable to initialize the fingerprinter: %w", err)
	}
	defer fp.Close()

	fps, readErr := fingerprinterstream.ReadAll(ctx, counter, fp)
	var mErr *multierror.Error
	if readErr != nil {
		mErr = multierror.Append(mErr, readErr)
	}
	// Close reaps the decoder child; a non-zero exit surfaces here.
	if closeErr := pcm.Close(); closeErr != nil {
		mErr = multierror.Append(mErr, closeErr)
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return nil, err
	}

	logger.Infof(ctx, "%q: generated %d fingerprints from %d PCM bytes", path, len(fps), counter.Count())
	if useCache {
		if err := fpcache.Store(path, fps); err != nil {
			logger.Warnf(ctx, "%q: unable to write the cache: %v", path, err)
		}
	}
	return fps, nil
}

func printReport(report matcher.Report, opts matcher.Options) {
	color.New(color.Bold).Printf("offset: %s\n", formatOffset(report.OffsetMs))
	fmt.Printf("matches: %d\n", report.MatchCount)
	fmt.Printf("match rate: %.4f\n", report.MatchRate)
	fmt.Printf("confidence: %.0f\n", report.Confidence)
	if report.Confidence < opts.ConfidenceThreshold {
		color.New(color.FgYellow).Printf(
			"warning: confidence %.0f is below the threshold %.0f, the match is unreliable\n",
			report.Confidence, opts.ConfidenceThreshold,
		)
	}
}

// formatOffset renders a millisecond offset as H:MM:SS.mmm, keeping
// the sign.
func formatOffset(offsetMs float64) string {
	sign := ""
	if offsetMs < 0 {
		sign = "-"
		offsetMs = -offsetMs
	}
	total := int64(math.Round(offsetMs))
	return fmt.Sprintf(
		"%s%d:%02d:%02d.%03d",
		sign,
		total/3600000,
		total/60000%60,
		total/1000%60,
		total%1000,
	)
}
