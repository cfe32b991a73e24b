// Package decoder abstracts the external process that turns an audio
// file into the raw PCM byte stream the fingerprinter consumes.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/audiomatch/pkg/audio"
)

// ErrInputUnavailable marks a missing input file or a missing decoder
// binary. It is fatal for the affected pipeline.
var ErrInputUnavailable = errors.New("input unavailable")

// Error reports a decoder child process that exited non-zero or wrote
// to its error channel. The fingerprinter upstream of it is discarded.
type Error struct {
	Err    error
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("the decoder failed: %v", e.Err)
	}
	return fmt.Sprintf("the decoder failed: %v: %s", e.Err, e.Stderr)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Decoder produces PCM byte streams from audio file paths.
type Decoder interface {
	Encoding(context.Context) (audio.Encoding, error)
	Channels(context.Context) (audio.Channel, error)

	// DecodePCM starts decoding the file at path. The returned stream
	// yields the PCM bytes; Close releases the child process and
	// reports its failure (as *Error), if any.
	DecodePCM(ctx context.Context, path string) (io.ReadCloser, error)
}
