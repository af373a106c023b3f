package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Wire format of captured audio.
const (
	SampleRate   = 16000
	FrameSamples = 1600 // 100 ms
	FrameBytes   = FrameSamples * 2
	readChunk    = 1024
)

// ErrCaptureRunning is returned by Start while a capture is already active.
var ErrCaptureRunning = errors.New("audio capture already running")

// Stream is an open capture device. Samples are interleaved floats in [-1,1].
type Stream interface {
	Read(buf []float32) (int, error)
	SampleRate() int
	Channels() int
	Close() error
}

// Source opens a capture stream, e.g. a microphone or a file.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Sink receives fixed-size PCM16 LE mono frames of FrameBytes bytes.
type Sink func(frame []byte) error

// Run captures from src until ctx is done, the stream ends, or sink fails.
// The stream is closed on every return path.
func Run(ctx context.Context, src Source, sink Sink) (err error) {
	stream, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close audio source: %w", cerr)
		}
	}()

	channels := stream.Channels()
	if channels < 1 {
		return fmt.Errorf("audio source reports %d channels", channels)
	}
	if stream.SampleRate() <= 0 {
		return fmt.Errorf("audio source reports sample rate %d", stream.SampleRate())
	}

	rs := newResampler(stream.SampleRate(), SampleRate)
	fr := &framer{sink: sink}
	buf := make([]float32, readChunk*channels)
	mono := make([]float32, 0, readChunk)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			mono = downmix(mono[:0], buf[:n-n%channels], channels)
			if err := fr.push(rs.process(mono)); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if err := fr.push(rs.flush()); err != nil {
					return err
				}
				return fr.flush()
			}
			return fmt.Errorf("read audio source: %w", readErr)
		}
	}
}

// Capture runs one background capture at a time.
type Capture struct {
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewCapture(logger *slog.Logger) *Capture {
	return &Capture{logger: logger}
}

// Start begins capturing in the background.
func (c *Capture) Start(ctx context.Context, src Source, sink Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		default:
			return ErrCaptureRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.err = nil

	go func() {
		defer close(done)
		err := Run(runCtx, src, sink)
		if err != nil {
			c.logger.Warn("Audio capture stopped with error", "error", err)
		} else {
			c.logger.Debug("Audio capture finished")
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}()
	return nil
}

// Stop cancels the capture and returns once the device has been released.
func (c *Capture) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Running reports whether a capture is in progress.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func downmix(dst, interleaved []float32, channels int) []float32 {
	if channels == 1 {
		return append(dst, interleaved...)
	}
	for i := 0; i+channels <= len(interleaved); i += channels {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i+ch]
		}
		dst = append(dst, sum/float32(channels))
	}
	return dst
}

// framer packs mono samples into fixed PCM16 frames.
type framer struct {
	sink    Sink
	pending []int16
}

func (f *framer) push(samples []float32) error {
	for _, s := range samples {
		f.pending = append(f.pending, toInt16(s))
		if len(f.pending) == FrameSamples {
			if err := f.emit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush zero-pads and emits a trailing partial frame.
func (f *framer) flush() error {
	if len(f.pending) == 0 {
		return nil
	}
	for len(f.pending) < FrameSamples {
		f.pending = append(f.pending, 0)
	}
	return f.emit()
}

func (f *framer) emit() error {
	frame := make([]byte, FrameBytes)
	for i, s := range f.pending {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(s))
	}
	f.pending = f.pending[:0]
	if err := f.sink(frame); err != nil {
		return fmt.Errorf("audio sink: %w", err)
	}
	return nil
}

func toInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}
