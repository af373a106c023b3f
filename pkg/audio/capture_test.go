package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(frames *[][]byte) Sink {
	return func(frame []byte) error {
		*frames = append(*frames, append([]byte(nil), frame...))
		return nil
	}
}

func TestRun_FramesAndResampling(t *testing.T) {
	tests := []struct {
		name           string
		src            *ToneSource
		expectedFrames int
	}{
		{
			name:           "16k mono passes through",
			src:            &ToneSource{Freq: 440, Rate: 16000, ChannelNum: 1, Samples: 16000},
			expectedFrames: 10,
		},
		{
			name:           "16k stereo is downmixed",
			src:            &ToneSource{Freq: 440, Rate: 16000, ChannelNum: 2, Samples: 16000},
			expectedFrames: 10,
		},
		{
			name:           "48k mono is downsampled",
			src:            &ToneSource{Freq: 440, Rate: 48000, ChannelNum: 1, Samples: 48000},
			expectedFrames: 10,
		},
		{
			name:           "partial frame is padded",
			src:            &ToneSource{Freq: 440, Rate: 16000, ChannelNum: 1, Samples: 4000},
			expectedFrames: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frames [][]byte
			err := Run(context.Background(), tt.src, collect(&frames))
			require.NoError(t, err)

			assert.Len(t, frames, tt.expectedFrames)
			for _, f := range frames {
				assert.Len(t, f, FrameBytes)
			}
			assert.True(t, tt.src.Closed, "stream must be closed")
		})
	}
}

func TestRun_PaddingIsSilence(t *testing.T) {
	var frames [][]byte
	src := &ToneSource{Freq: 440, Rate: 16000, ChannelNum: 1, Samples: 100}
	require.NoError(t, Run(context.Background(), src, collect(&frames)))
	require.Len(t, frames, 1)

	for i := 100; i < FrameSamples; i++ {
		assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(frames[0][i*2:]))
	}
}

func TestRun_SinkErrorReleasesStream(t *testing.T) {
	src := &ToneSource{Freq: 440, Rate: 16000, ChannelNum: 1}
	sinkErr := errors.New("channel closed")

	err := Run(context.Background(), src, func([]byte) error { return sinkErr })
	assert.ErrorIs(t, err, sinkErr)
	assert.True(t, src.Closed)
}

type failingSource struct{}

func (failingSource) Open(ctx context.Context) (Stream, error) {
	return nil, errors.New("no microphone")
}

func TestRun_OpenError(t *testing.T) {
	err := Run(context.Background(), failingSource{}, func([]byte) error { return nil })
	assert.ErrorContains(t, err, "no microphone")
}

func TestCapture_StopReleasesDevice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	c := NewCapture(logger)
	src := &ToneSource{Freq: 440, Rate: 16000, ChannelNum: 1} // endless

	frameSeen := make(chan struct{}, 1)
	sink := func([]byte) error {
		select {
		case frameSeen <- struct{}{}:
		default:
		}
		return nil
	}

	require.NoError(t, c.Start(context.Background(), src, sink))
	assert.ErrorIs(t, c.Start(context.Background(), src, sink), ErrCaptureRunning)

	select {
	case <-frameSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame captured")
	}

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	assert.True(t, src.Closed, "Stop must close the stream before returning")

	// A stopped capture can be started again.
	require.NoError(t, c.Start(context.Background(), src, sink))
	require.NoError(t, c.Stop())
}

func TestWAVFileSource(t *testing.T) {
	pcm := make([]byte, 3200*2)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%100)))
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, EncodeWAV(pcm, 16000, 1), 0o600))

	var frames [][]byte
	require.NoError(t, Run(context.Background(), WAVFileSource{Path: path}, collect(&frames)))
	assert.Len(t, frames, 2)
}

func TestReadWAVHeader(t *testing.T) {
	wav := EncodeWAV(make([]byte, 480), 24000, 1)
	r := bytes.NewReader(wav)

	h, err := ReadWAVHeader(r)
	require.NoError(t, err)
	assert.Equal(t, 24000, h.SampleRate)
	assert.Equal(t, 1, h.Channels)
	assert.Equal(t, 480, h.DataSize)

	rest, _ := io.ReadAll(r)
	assert.Len(t, rest, 480)

	_, err = ReadWAVHeader(bytes.NewReader([]byte("not a wav file at all")))
	assert.Error(t, err)
}
