package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubCounter int

func (c stubCounter) Len() int { return int(c) }

func TestHealthHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name            string
		redis           Pinger
		history         Pinger
		expectedStatus  int
		expectedHealth  string
		expectedRedis   string
		expectedHistory string
	}{
		{
			name:            "all healthy",
			redis:           stubPinger{},
			history:         stubPinger{},
			expectedStatus:  http.StatusOK,
			expectedHealth:  "healthy",
			expectedRedis:   "healthy",
			expectedHistory: "healthy",
		},
		{
			name:            "in memory only",
			expectedStatus:  http.StatusOK,
			expectedHealth:  "healthy",
			expectedRedis:   "disabled",
			expectedHistory: "disabled",
		},
		{
			name:            "unhealthy redis",
			redis:           stubPinger{err: errors.New("connection refused")},
			history:         stubPinger{},
			expectedStatus:  http.StatusServiceUnavailable,
			expectedHealth:  "degraded",
			expectedRedis:   "unhealthy",
			expectedHistory: "healthy",
		},
		{
			name:            "unhealthy history",
			redis:           stubPinger{},
			history:         stubPinger{err: errors.New("database is locked")},
			expectedStatus:  http.StatusServiceUnavailable,
			expectedHealth:  "degraded",
			expectedRedis:   "healthy",
			expectedHistory: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(tt.redis, tt.history, stubCounter(3), testLogger())

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var response HealthResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))

			assert.Equal(t, tt.expectedHealth, response.Status)
			assert.Equal(t, "bazaar-engine", response.Service)
			assert.Equal(t, tt.expectedRedis, response.Components["redis"])
			assert.Equal(t, tt.expectedHistory, response.Components["history"])
			assert.WithinDuration(t, time.Now(), response.Timestamp, time.Second)

			sessions, ok := response.Components["sessions"].(map[string]any)
			require.True(t, ok, "sessions component is an object")
			assert.EqualValues(t, 3, sessions["live"])
		})
	}
}
