package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwebster45206/bazaar-engine/pkg/audio"
)

type clipSavedMsg struct {
	path     string
	npc      string
	duration time.Duration
}

// clipSaver writes NPC lines to WAV files so they can be replayed after the
// session.
type clipSaver struct {
	dir    string
	logger *slog.Logger
	notify func(tea.Msg)
	now    func() time.Time
}

func newClipSaver(dir string, logger *slog.Logger, notify func(tea.Msg)) *clipSaver {
	return &clipSaver{dir: dir, logger: logger, notify: notify, now: time.Now}
}

func (c *clipSaver) Play(wav []byte, npcName, mood string) error {
	h, err := audio.ReadWAVHeader(bytes.NewReader(wav))
	if err != nil {
		return fmt.Errorf("npc clip: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create clip dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%d.wav", slug(npcName), slug(mood), c.now().UnixMilli())
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}

	duration := clipDuration(h)
	c.logger.Debug("Saved npc clip", "path", path, "npc", npcName, "mood", mood, "duration", duration)
	if c.notify != nil {
		c.notify(clipSavedMsg{path: path, npc: npcName, duration: duration})
	}
	return nil
}

func clipDuration(h audio.WAVHeader) time.Duration {
	bytesPerSecond := h.SampleRate * h.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(h.DataSize) * time.Second / time.Duration(bytesPerSecond)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
