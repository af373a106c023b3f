package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// PCMFileSource reads headerless PCM16 LE samples from a file.
type PCMFileSource struct {
	Path       string
	Rate       int
	ChannelNum int
}

func (s PCMFileSource) Open(ctx context.Context) (Stream, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	rate, channels := s.Rate, s.ChannelNum
	if rate == 0 {
		rate = SampleRate
	}
	if channels == 0 {
		channels = 1
	}
	return &pcmStream{r: bufio.NewReader(f), c: f, rate: rate, channels: channels}, nil
}

// WAVFileSource reads a 16-bit PCM WAV file.
type WAVFileSource struct {
	Path string
}

func (s WAVFileSource) Open(ctx context.Context) (Stream, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	h, err := ReadWAVHeader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return &pcmStream{
		r:        io.LimitReader(br, int64(h.DataSize)),
		c:        f,
		rate:     h.SampleRate,
		channels: h.Channels,
	}, nil
}

type pcmStream struct {
	r        io.Reader
	c        io.Closer
	rate     int
	channels int
	scratch  []byte
}

func (p *pcmStream) Read(buf []float32) (int, error) {
	need := len(buf) * 2
	if cap(p.scratch) < need {
		p.scratch = make([]byte, need)
	}
	raw := p.scratch[:need]
	n, err := io.ReadAtLeast(p.r, raw, 2)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		buf[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	if err != nil && samples > 0 {
		// Deliver what was read now, report EOF on the next call.
		return samples, nil
	}
	return samples, err
}

func (p *pcmStream) SampleRate() int { return p.rate }
func (p *pcmStream) Channels() int   { return p.channels }
func (p *pcmStream) Close() error    { return p.c.Close() }

// ToneSource generates a sine tone. Closed is set once the stream is released.
type ToneSource struct {
	Freq       float64
	Rate       int
	ChannelNum int
	Samples    int // per channel; 0 means endless

	Closed bool
}

func (s *ToneSource) Open(ctx context.Context) (Stream, error) {
	s.Closed = false
	return &toneStream{src: s}, nil
}

type toneStream struct {
	src *ToneSource
	n   int
}

func (t *toneStream) Read(buf []float32) (int, error) {
	ch := t.src.ChannelNum
	written := 0
	for written+ch <= len(buf) {
		if t.src.Samples > 0 && t.n >= t.src.Samples {
			break
		}
		v := float32(0.5 * math.Sin(2*math.Pi*t.src.Freq*float64(t.n)/float64(t.src.Rate)))
		for c := 0; c < ch; c++ {
			buf[written+c] = v
		}
		written += ch
		t.n++
	}
	if written == 0 {
		return 0, io.EOF
	}
	return written, nil
}

func (t *toneStream) SampleRate() int { return t.src.Rate }
func (t *toneStream) Channels() int   { return t.src.ChannelNum }
func (t *toneStream) Close() error {
	t.src.Closed = true
	return nil
}
