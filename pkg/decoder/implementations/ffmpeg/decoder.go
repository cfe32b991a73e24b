// Package ffmpeg implements the decoder boundary on top of an ffmpeg
// child process emitting signed 16-bit little-endian mono PCM.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/audiomatch/pkg/audio"
	"github.com/xaionaro-go/audiomatch/pkg/decoder"
)

const (
	DefaultBinaryPath = "ffmpeg"

	// stderrTailLimit bounds how much of the child's stderr is kept
	// for error reporting.
	stderrTailLimit = 4096
)

type Decoder struct {
	BinaryPath string
	SampleRate audio.SampleRate
}

var _ decoder.Decoder = (*Decoder)(nil)

func NewDecoder(binaryPath string, sampleRate audio.SampleRate) *Decoder {
	if binaryPath == "" {
		binaryPath = DefaultBinaryPath
	}
	return &Decoder{
		BinaryPath: binaryPath,
		SampleRate: sampleRate,
	}
}

func (d *Decoder) Encoding(
	ctx context.Context,
) (audio.Encoding, error) {
	return audio.EncodingPCM{
		PCMFormat:  audio.PCMFormatS16LE,
		SampleRate: d.SampleRate,
	}, nil
}

func (d *Decoder) Channels(
	ctx context.Context,
) (audio.Channel, error) {
	return 1, nil
}

// args builds the child process argument list: raw s16le mono output at
// the configured rate, downmixed by ffmpeg itself, no container header.
func (d *Decoder) args(path string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.FormatUint(uint64(d.SampleRate), 10),
		"pipe:1",
	}
}

func (d *Decoder) DecodePCM(
	ctx context.Context,
	path string,
) (io.ReadCloser, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", decoder.ErrInputUnavailable, err)
	}
	binary, err := exec.LookPath(d.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: decoder binary %q: %v", decoder.ErrInputUnavailable, d.BinaryPath, err)
	}

	cmd := exec.CommandContext(ctx, binary, d.args(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, limit: stderrTailLimit}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to open the stdout pipe: %w", err)
	}
	logger.Debugf(ctx, "starting decoder: %s %v", binary, cmd.Args[1:])
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start the decoder: %w", err)
	}
	return &pcmStream{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
	}, nil
}

type pcmStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer

	closeOnce sync.Once
	closeErr  error
	eof       bool
}

var _ io.ReadCloser = (*pcmStream)(nil)

func (s *pcmStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		s.eof = true
	}
	return n, err
}

// Close reaps the child process. If the stream was not fully drained
// the child is killed and its exit status ignored; otherwise a
// non-zero exit or any output on stderr surfaces as *decoder.Error.
func (s *pcmStream) Close() error {
	s.closeOnce.Do(func() {
		if !s.eof {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
			return
		}
		err := s.cmd.Wait()
		if err == nil && s.stderr.Len() > 0 {
			err = fmt.Errorf("the decoder wrote to its error channel")
		}
		if err != nil {
			s.closeErr = &decoder.Error{
				Err:    err,
				Stderr: s.stderr.String(),
			}
		}
	})
	return s.closeErr
}

// limitedWriter keeps only the first `limit` bytes it receives.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if rem := lw.limit - lw.n; rem < len(p) {
		p = p[:rem]
	}
	if len(p) > 0 {
		n, err := lw.w.Write(p)
		lw.n += n
		if err != nil {
			return n, err
		}
	}
	return total, nil
}
