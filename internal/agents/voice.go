package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwebster45206/bazaar-engine/internal/config"
	"github.com/jwebster45206/bazaar-engine/pkg/audio"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	// The speech endpoint returns raw 16-bit PCM at this rate, mono.
	ttsSampleRate = 24000
	ttsChannels   = 1
)

var moodInstructions = map[world.Mood]string{
	world.MoodFriendly: "Speak in a warm, welcoming British merchant voice. Be cheerful and helpful.",
	world.MoodNeutral:  "Speak in a calm, professional British merchant voice. Be polite but businesslike.",
	world.MoodAnnoyed:  "Speak in a slightly impatient British merchant voice. Sound a bit frustrated.",
	world.MoodAngry:    "Speak in a stern, gruff British merchant voice. Sound irritated and firm.",
}

// speechRequest is the body of an OpenAI-compatible /audio/speech call.
type speechRequest struct {
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Input          string `json:"input"`
	Instructions   string `json:"instructions,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type speechError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// VoiceSynth renders NPC dialogue to WAV through an OpenAI-compatible speech API.
type VoiceSynth struct {
	baseURL    string
	apiKey     string
	model      string
	voice      string
	httpClient *http.Client
}

// NewVoiceSynth creates a new speech client from the TTS config
func NewVoiceSynth(cfg config.TTSConfig) *VoiceSynth {
	return &VoiceSynth{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		voice:   cfg.Voice,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Synthesize returns a WAV file of text spoken in the given mood.
func (v *VoiceSynth) Synthesize(ctx context.Context, text string, mood world.Mood) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text to synthesize")
	}
	instructions, ok := moodInstructions[mood]
	if !ok {
		instructions = moodInstructions[world.MoodNeutral]
	}

	reqBody, err := json.Marshal(speechRequest{
		Model:          v.model,
		Voice:          v.voice,
		Input:          text,
		Instructions:   instructions,
		ResponseFormat: "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/audio/speech", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr speechError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != nil {
			return nil, fmt.Errorf("speech API error (status %d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("speech API returned no audio")
	}

	return audio.EncodeWAV(body, ttsSampleRate, ttsChannels), nil
}
