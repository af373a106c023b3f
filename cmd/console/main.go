package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jwebster45206/bazaar-engine/pkg/projector"
	"github.com/jwebster45206/bazaar-engine/pkg/transport"
)

type ConsoleConfig struct {
	APIBaseURL string
	SessionID  string
	AudioFile  string // WAV streamed by /mic
	Mic        bool   // /mic captures from the default input device
	Speaker    bool   // play NPC clips aloud
	ClipDir    string // where NPC voice clips are saved
	LogFile    string
	Timeout    time.Duration
}

var cfg = &ConsoleConfig{Timeout: 10 * time.Second}

var rootCmd = &cobra.Command{
	Use:   "bazaar-console",
	Short: "Terminal client for the bazaar",
	Long:  "Talk to the bazaar merchants from a terminal. Typed lines are sent as final transcripts over the session websocket.",
	RunE:  runConsole,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a session's recorded interactions",
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.APIBaseURL, "api", getEnv("API_BASE_URL", "http://localhost:8000"), "API base URL")
	rootCmd.PersistentFlags().StringVarP(&cfg.SessionID, "session", "s", "", "Resume an existing session id")
	rootCmd.Flags().StringVar(&cfg.AudioFile, "audio-file", "", "16-bit WAV file streamed by /mic")
	rootCmd.Flags().BoolVar(&cfg.Mic, "mic", false, "Let /mic capture from the default microphone")
	rootCmd.Flags().BoolVar(&cfg.Speaker, "speaker", false, "Play NPC voice clips on the default output device")
	rootCmd.Flags().StringVar(&cfg.ClipDir, "clip-dir", filepath.Join(os.TempDir(), "bazaar-clips"), "Directory for NPC voice clips")
	rootCmd.Flags().StringVar(&cfg.LogFile, "log-file", filepath.Join(os.TempDir(), "bazaar-console.log"), "Client log file")

	historyCmd.Flags().IntP("limit", "n", 20, "Number of interactions")
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if !testConnection(httpClient, cfg.APIBaseURL) {
		return fmt.Errorf("could not connect to API at %s, please ensure the server is running", cfg.APIBaseURL)
	}

	// The terminal belongs to the UI, so logs go to a file.
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var program *tea.Program
	send := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}

	out := players{newClipSaver(cfg.ClipDir, logger, send)}
	if cfg.Speaker {
		out = append(out, newSpeaker(logger))
	}

	proj := projector.New(logger,
		projector.WithAudioPlayer(out),
		projector.WithOnChange(func(v projector.View) { send(viewMsg{view: v}) }),
	)

	handler := transport.HandleAll(proj.Apply)
	handler.OnStatus = func(connected bool, sessionID string) {
		send(statusMsg{connected: connected, sessionID: sessionID})
	}
	handler.OnTransportError = func(err error) {
		send(transportErrMsg{err: err})
	}

	client := transport.NewClient(transport.Config{
		BaseURL:    cfg.APIBaseURL,
		SessionID:  cfg.SessionID,
		HTTPClient: httpClient,
		Logger:     logger,
	}, handler)
	defer client.Close()

	program = tea.NewProgram(NewConsoleUI(cfg, httpClient, client, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	proj.WaitAudio()
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	if cfg.SessionID == "" {
		return fmt.Errorf("--session is required")
	}
	limit, _ := cmd.Flags().GetInt("limit")
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	history, err := getHistory(ctx, &http.Client{Timeout: cfg.Timeout}, cfg.APIBaseURL, cfg.SessionID, limit)
	if err != nil {
		return err
	}
	fmt.Print(formatHistory(history))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
