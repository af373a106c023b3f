package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jwebster45206/bazaar-engine/pkg/action"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// Interaction mirrors one row of GET /api/session/{id}/history.
type Interaction struct {
	Transcript  string           `json:"transcript"`
	Intent      action.Intent    `json:"intent"`
	Passed      bool             `json:"validation_passed"`
	Feedback    []string         `json:"feedback"`
	Diff        *world.WorldDiff `json:"world_diff,omitempty"`
	NPCDialogue string           `json:"npc_dialogue,omitempty"`
	Turn        int              `json:"turn"`
	CreatedAt   time.Time        `json:"created_at"`
}

type HistoryResponse struct {
	SessionID    string        `json:"session_id"`
	Interactions []Interaction `json:"interactions"`
}

func testConnection(client *http.Client, baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	// A degraded server still serves sessions.
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable
}

func getHistory(ctx context.Context, client *http.Client, baseURL, sessionID string, limit int) (*HistoryResponse, error) {
	endpoint := fmt.Sprintf("%s/api/session/%s/history?limit=%s",
		baseURL, url.PathEscape(sessionID), strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, body, "failed to get history")
	}

	var history HistoryResponse
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}
	return &history, nil
}

func apiError(status int, body []byte, what string) error {
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("API returned status %d: %s", status, string(body))
	}
	return fmt.Errorf("%s: %s", what, errorResp.Error)
}

// formatHistory renders interactions oldest first.
func formatHistory(h *HistoryResponse) string {
	if h == nil || len(h.Interactions) == 0 {
		return "No interactions recorded.\n"
	}
	var b strings.Builder
	for i := len(h.Interactions) - 1; i >= 0; i-- {
		in := h.Interactions[i]
		mark := "ok"
		if !in.Passed {
			mark = "rejected"
		}
		fmt.Fprintf(&b, "[turn %d] %s (%s, %s)\n", in.Turn, in.Transcript, in.Intent, mark)
		for _, f := range in.Feedback {
			fmt.Fprintf(&b, "    - %s\n", f)
		}
		if in.NPCDialogue != "" {
			fmt.Fprintf(&b, "    > %s\n", in.NPCDialogue)
		}
	}
	return b.String()
}
