package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/chunked-transcriber/internal/llm"
)

func TestClient_Correct_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any

		err := json.NewDecoder(r.Body).Decode(&body)
		require.NoError(t, err)
		assert.InDelta(t, 0.1, body["temperature"], 0.001)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Fixed transcript."}}]}`))
	}))
	defer server.Close()

	client := llm.NewClient(server.URL, "test-key", "gpt-4o-mini")

	corrected, err := client.Correct(context.Background(), "fixed transcript")

	require.NoError(t, err)
	assert.Equal(t, "Fixed transcript.", corrected)
}

func TestClient_Correct_NoChoices(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := llm.NewClient(server.URL, "test-key", "gpt-4o-mini")

	_, err := client.Correct(context.Background(), "text")

	require.ErrorIs(t, err, llm.ErrNoChoices)
}

func TestClient_Correct_ErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := llm.NewClient(server.URL, "test-key", "gpt-4o-mini")

	_, err := client.Correct(context.Background(), "text")

	require.Error(t, err)
}
