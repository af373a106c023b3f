package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCase(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestValidateFile_ShippedCases(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "integration", "cases", "*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		v := &CaseValidator{}
		assert.NoError(t, v.validateFile(f), f)
	}
}

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{
			name:    "bad filename",
			file:    "Rude-Buyer.json",
			body:    `{}`,
			wantErr: "lowercase snake_case",
		},
		{
			name:    "invalid json",
			file:    "broken.json",
			body:    `{"name":`,
			wantErr: "invalid JSON",
		},
		{
			name:    "unknown field",
			file:    "typo.json",
			body:    `{"name":"x","steps":[{"transcript":"hi","expect":{"gold_amount":5}}]}`,
			wantErr: "strict JSON",
		},
		{
			name:    "no steps",
			file:    "empty.json",
			body:    `{"name":"x"}`,
			wantErr: "no steps",
		},
		{
			name:    "bad expectations",
			file:    "bad_expect.json",
			body:    `{"name":"x","steps":[{"transcript":"hi","expect":{"intent":"dance","npc_moods":{"merchant_apple":"giddy"},"inventory":{"Apple":1},"response_regex":"("}}]}`,
			wantErr: "unknown intent 'dance'",
		},
		{
			name:    "reset with response checks",
			file:    "reset.json",
			body:    `{"name":"x","steps":[{"transcript":"RESET_SESSION","expect":{"response_contains":["hi"]}}]}`,
			wantErr: "only world expectations",
		},
		{
			name:    "missing sequence case",
			file:    "seq.json",
			body:    `{"name":"x","cases":["nope.json"]}`,
			wantErr: "'nope.json' not found",
		},
		{
			name: "valid",
			file: "ok.json",
			body: `{"name":"x","steps":[{"name":"greet","transcript":"Hello, please","expect":{"intent":"greet","gold":100,"npc_moods":{"merchant_apple":"friendly"}}}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeCase(t, t.TempDir(), tt.file, tt.body)
			err := (&CaseValidator{}).validateFile(path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateFile_CollectsAllErrors(t *testing.T) {
	path := writeCase(t, t.TempDir(), "many.json",
		`{"name":"x","steps":[{"transcript":"hi","expect":{"intent":"dance","npc_moods":{"merchant_apple":"giddy"},"inventory":{"Apple":1},"response_regex":"("}}]}`)

	err := (&CaseValidator{}).validateFile(path)
	require.Error(t, err)
	for _, want := range []string{"unknown intent", "unknown mood 'giddy'", "'Apple' should be lowercase", "invalid response_regex"} {
		assert.Contains(t, err.Error(), want)
	}
}
