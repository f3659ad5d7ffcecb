// ABOUTME: Tests for the agent service HTTP client.
// ABOUTME: Uses httptest servers to verify request shapes and error handling.

package assistant

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateThread(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"thread_id": "thr-1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", discardLogger())

	threadID, err := client.CreateThread(context.Background(), "agent-a", map[string]any{"name": "New Thread"})
	require.NoError(t, err)
	assert.Equal(t, "thr-1", threadID)

	assert.Equal(t, "/threads", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "agent-a", gotBody["assistant_id"])
}

func TestClient_CreateThreadMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", discardLogger())

	_, err := client.CreateThread(context.Background(), "agent-a", nil)
	assert.ErrorContains(t, err, "missing thread_id")
}

func TestClient_CreateThreadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", discardLogger())

	_, err := client.CreateThread(context.Background(), "agent-a", nil)
	assert.ErrorContains(t, err, "unexpected status 500")
}

func TestClient_OpenRunStream(t *testing.T) {
	var gotPath string
	var gotBody runStreamRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, "event: heartbeat\ndata: {}\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", discardLogger())

	body, err := client.OpenRunStream(context.Background(), &RunRequest{
		ThreadID: "thr-1",
		AgentID:  "agent-a",
		Input:    []RunMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "heartbeat")

	assert.Equal(t, "/threads/thr-1/runs/stream", gotPath)
	assert.Equal(t, "agent-a", gotBody.AgentID)
	assert.Equal(t, []string{"updates"}, gotBody.StreamMode)
	require.Len(t, gotBody.Input.Messages, 1)
	assert.Equal(t, "hi", gotBody.Input.Messages[0].Content)
}

func TestClient_OpenRunStreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", discardLogger())

	_, err := client.OpenRunStream(context.Background(), &RunRequest{ThreadID: "missing", AgentID: "agent-a"})
	assert.ErrorContains(t, err, "unexpected status 404")
}
