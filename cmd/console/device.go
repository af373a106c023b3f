package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/jwebster45206/bazaar-engine/pkg/audio"
	"github.com/jwebster45206/bazaar-engine/pkg/projector"
)

const (
	micSampleRate = 16000
	micChannels   = 1
	micPeriodMs   = 20
)

// micSource captures PCM16 from the default input device.
type micSource struct{}

func (micSource) Open(ctx context.Context) (audio.Stream, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &micStream{mctx: mctx}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = micChannels
	deviceConfig.SampleRate = micSampleRate
	deviceConfig.PeriodSizeInMilliseconds = micPeriodMs

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		m.Close()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.stopWake = context.AfterFunc(ctx, m.endInput)
	return m, nil
}

type micStream struct {
	mctx     *malgo.AllocatedContext
	device   *malgo.Device
	stopWake func() bool

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	ended  bool
	closed bool
}

func (m *micStream) onData(_, input []byte, _ uint32) {
	m.mu.Lock()
	if !m.ended {
		m.buf = append(m.buf, input...)
	}
	m.mu.Unlock()
	m.cond.Signal()
}

func (m *micStream) endInput() {
	m.mu.Lock()
	m.ended = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *micStream) Read(out []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) < 2 && !m.ended {
		m.cond.Wait()
	}
	if len(m.buf) < 2 {
		return 0, io.EOF
	}

	n := min(len(out), len(m.buf)/2)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(m.buf[2*i:]))) / 32768
	}
	m.buf = m.buf[2*n:]
	return n, nil
}

func (m *micStream) SampleRate() int { return micSampleRate }
func (m *micStream) Channels() int   { return micChannels }

func (m *micStream) Close() error {
	m.endInput()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.stopWake != nil {
		m.stopWake()
	}
	m.device.Uninit()
	err := m.mctx.Uninit()
	m.mctx.Free()
	return err
}

// speaker plays NPC clips through the default output device, one at a time.
// The output format is fixed by the first clip.
type speaker struct {
	logger *slog.Logger

	mu       sync.Mutex
	otoCtx   *oto.Context
	rate     int
	channels int
}

func newSpeaker(logger *slog.Logger) *speaker {
	return &speaker{logger: logger}
}

func (s *speaker) Play(wav []byte, npcName, mood string) error {
	r := bytes.NewReader(wav)
	h, err := audio.ReadWAVHeader(r)
	if err != nil {
		return fmt.Errorf("npc clip: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.otoCtx == nil {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   h.SampleRate,
			ChannelCount: h.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			return fmt.Errorf("init speaker: %w", err)
		}
		<-ready
		s.otoCtx, s.rate, s.channels = otoCtx, h.SampleRate, h.Channels
	}
	if h.SampleRate != s.rate || h.Channels != s.channels {
		return fmt.Errorf("clip is %d Hz/%d ch but the speaker is open at %d Hz/%d ch",
			h.SampleRate, h.Channels, s.rate, s.channels)
	}

	player := s.otoCtx.NewPlayer(io.LimitReader(r, int64(h.DataSize)))
	defer player.Close()
	player.Play()
	for player.IsPlaying() {
		time.Sleep(20 * time.Millisecond)
	}

	s.logger.Debug("Played npc clip", "npc", npcName, "mood", mood, "duration", clipDuration(h))
	return nil
}

// players fans one clip out to every configured output.
type players []projector.AudioPlayer

func (ps players) Play(wav []byte, npcName, mood string) error {
	var errs []error
	for _, p := range ps {
		if err := p.Play(wav, npcName, mood); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
