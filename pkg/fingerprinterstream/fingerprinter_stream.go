// Package fingerprinterstream adapts a push-style Fingerprinter to an
// io.Reader input: a reader loop copies the decoder's byte stream into
// a circular buffer, a DSP loop drains it through the fingerprinter,
// and emitted batches leave through a bounded channel (backpressure).
package fingerprinterstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/iamcalledrob/circular"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprinter"
	"github.com/xaionaro-go/observability"
)

const (
	// DefaultInputBufferSize is the capacity of the circular buffer
	// between the reader loop and the DSP loop.
	DefaultInputBufferSize = 1 << 20

	// outputHighWaterMark is the number of pending batches after
	// which the DSP loop blocks until the consumer catches up.
	outputHighWaterMark = 10

	readChunkSize = 65536
	dspChunkSize  = 32768
)

type Stream struct {
	fp fingerprinter.Fingerprinter

	inputLocker sync.Mutex
	inputBuffer *circular.Buffer
	inputEOF    bool
	resultError error

	readProgressedCh chan struct{}
	dspProgressedCh  chan struct{}

	outCh      chan fingerprint.Batch
	cancelFunc context.CancelFunc
}

// NewStream starts fingerprinting the byte stream of input through fp.
// Batches arrive on Batches() until the input is exhausted (the channel
// is then closed); Err reports the outcome afterwards.
func NewStream(
	ctx context.Context,
	input io.Reader,
	fp fingerprinter.Fingerprinter,
	inputBufferSize uint,
) (*Stream, error) {
	if fp == nil {
		return nil, fmt.Errorf("fingerprinter is mandatory")
	}
	if inputBufferSize == 0 {
		inputBufferSize = DefaultInputBufferSize
	}

	ctx, cancelFunc := context.WithCancel(ctx)
	s := &Stream{
		fp:               fp,
		inputBuffer:      circular.NewBuffer(int(inputBufferSize)),
		readProgressedCh: make(chan struct{}),
		dspProgressedCh:  make(chan struct{}),
		outCh:            make(chan fingerprint.Batch, outputHighWaterMark),
		cancelFunc:       cancelFunc,
	}
	observability.Go(ctx, func() {
		err := s.readerLoop(ctx, input)
		s.setResultError(err)
		if err != nil {
			// Unblock the DSP loop; a clean EOF keeps the context
			// alive so the remaining buffered input is drained.
			cancelFunc()
		}
	})
	observability.Go(ctx, func() {
		defer cancelFunc()
		err := s.dspLoop(ctx)
		s.setResultError(err)
	})
	return s, nil
}

// Batches is the output of the stream. It is closed when the input is
// exhausted or an error occurred; check Err afterwards.
func (s *Stream) Batches() <-chan fingerprint.Batch {
	return s.outCh
}

// Err returns the first error of the reader or DSP loop. Only
// meaningful after Batches is closed.
func (s *Stream) Err() error {
	s.inputLocker.Lock()
	defer s.inputLocker.Unlock()
	return s.resultError
}

func (s *Stream) Close() error {
	s.cancelFunc()
	return nil
}

func (s *Stream) setResultError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.inputLocker.Lock()
	defer s.inputLocker.Unlock()
	if s.resultError == nil {
		s.resultError = err
	}
}

func (s *Stream) readerLoop(
	ctx context.Context,
	input io.Reader,
) (_err error) {
	logger.Tracef(ctx, "readerLoop")
	defer func() { logger.Tracef(ctx, "/readerLoop: %v", _err) }()

	readBuf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := input.Read(readBuf)
		if n > 0 {
			if wErr := s.writeInput(ctx, readBuf[:n]); wErr != nil {
				return wErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.markInputEOF(ctx)
				return nil
			}
			return fmt.Errorf("unable to read the input: %w", err)
		}
	}
}

func (s *Stream) writeInput(ctx context.Context, data []byte) error {
	s.inputLocker.Lock()
	defer s.inputLocker.Unlock()
	for len(data) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		w, err := s.inputBuffer.Write(data)
		if err != nil {
			if errors.Is(err, circular.ErrNoSpace) {
				s.waitForDSPProgressedLocked(ctx)
				continue
			}
			return fmt.Errorf("unable to write to the circular buffer: %w", err)
		}
		data = data[w:]
	}
	oldCh := s.readProgressedCh
	s.readProgressedCh = make(chan struct{})
	close(oldCh)
	return nil
}

func (s *Stream) markInputEOF(ctx context.Context) {
	logger.Tracef(ctx, "markInputEOF")
	s.inputLocker.Lock()
	defer s.inputLocker.Unlock()
	s.inputEOF = true
	oldCh := s.readProgressedCh
	s.readProgressedCh = make(chan struct{})
	close(oldCh)
}

// waitForDSPProgressedLocked temporarily releases the input lock until
// the DSP loop frees space in the circular buffer.
func (s *Stream) waitForDSPProgressedLocked(ctx context.Context) {
	ch := s.dspProgressedCh
	s.inputLocker.Unlock()
	defer s.inputLocker.Lock()
	select {
	case <-ctx.Done():
	case <-ch:
	}
}

func (s *Stream) dspLoop(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "dspLoop")
	defer func() { logger.Tracef(ctx, "/dspLoop: %v", _err) }()
	defer close(s.outCh)

	chunk := make([]byte, dspChunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.inputLocker.Lock()
		n, err := s.inputBuffer.Read(chunk)
		eof := s.inputEOF
		waitCh := s.readProgressedCh
		if err != nil && !errors.Is(err, io.EOF) {
			s.inputLocker.Unlock()
			return fmt.Errorf("unable to read from the circular buffer: %w", err)
		}
		if n > 0 {
			oldCh := s.dspProgressedCh
			s.dspProgressedCh = make(chan struct{})
			close(oldCh)
		}
		s.inputLocker.Unlock()

		if n == 0 {
			if eof {
				batches, err := s.fp.Finish(ctx)
				if err != nil {
					return fmt.Errorf("unable to finish the fingerprinter: %w", err)
				}
				return s.sendBatches(ctx, batches)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-waitCh:
			}
			continue
		}

		batches, err := s.fp.Push(ctx, chunk[:n])
		if err != nil {
			return fmt.Errorf("unable to push to the fingerprinter: %w", err)
		}
		if err := s.sendBatches(ctx, batches); err != nil {
			return err
		}
	}
}

func (s *Stream) sendBatches(ctx context.Context, batches []fingerprint.Batch) error {
	for _, b := range batches {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.outCh <- b:
		}
	}
	return nil
}

// ReadAll fingerprints the whole byte stream of input through fp and
// returns the flattened fingerprint list.
func ReadAll(
	ctx context.Context,
	input io.Reader,
	fp fingerprinter.Fingerprinter,
) ([]fingerprint.Fingerprint, error) {
	s, err := NewStream(ctx, input, fp, 0)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var batches []fingerprint.Batch
	for b := range s.Batches() {
		batches = append(batches, b)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return fingerprint.Flatten(batches), nil
}
