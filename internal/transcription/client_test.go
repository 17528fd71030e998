package transcription

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunk() *Chunk {
	return &Chunk{
		ChunkID:      "chunk-1",
		Sequence:     3,
		ConnectionID: "media-stream-1",
		SessionID:    "abc",
		CallSID:      "CA123",
		StreamSID:    "MZ1",
		Encoding:     "audio/x-mulaw",
		SampleRate:   8000,
		Duration:     2 * time.Second,
		Format:       "wav",
		AudioData:    []byte("RIFF....WAVE"),
	}
}

func newTestClient(t *testing.T, endpoint string, cfg Config) *Client {
	t.Helper()
	cfg.Endpoint = endpoint
	if cfg.APIKey == "" {
		cfg.APIKey = "secret"
	}
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "http://localhost"})
	assert.Error(t, err)

	client, err := NewClient(Config{Endpoint: "http://localhost", APIKey: "k", MaxRetries: -1})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, client.config.Timeout)
	assert.Equal(t, 3, client.config.MaxRetries)
	assert.Equal(t, 10, client.config.MaxConcurrent)
	assert.Equal(t, "json", client.config.OutputFormat)
}

func TestTranscribeSendsMultipartForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "chunk-1", r.FormValue("chunk_id"))
		assert.Equal(t, "3", r.FormValue("sequence"))
		assert.Equal(t, "abc", r.FormValue("session_id"))
		assert.Equal(t, "CA123", r.FormValue("call_sid"))
		assert.Equal(t, "media-stream-1", r.FormValue("connection_id"))
		assert.Equal(t, "audio/x-mulaw", r.FormValue("encoding"))
		assert.Equal(t, "8000", r.FormValue("sample_rate"))
		assert.Equal(t, "2.000", r.FormValue("duration"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "whisper-1", r.FormValue("model"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		assert.Equal(t, "chunk-1.wav", header.Filename)
		data, err := io.ReadAll(file)
		assert.NoError(t, err)
		assert.Equal(t, []byte("RIFF....WAVE"), data)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{Text: "hello world", Confidence: 0.9})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{Language: "en", Model: "whisper-1"})

	resp, err := client.Transcribe(context.Background(), &Request{Chunk: testChunk(), RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, "chunk-1", resp.ChunkID)
	assert.False(t, resp.ProcessedAt.IsZero())

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, float64(100), stats.SuccessRate)
}

func TestTranscribeTextFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain transcript"))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{OutputFormat: "text"})

	resp, err := client.Transcribe(context.Background(), &Request{Chunk: testChunk()})
	require.NoError(t, err)
	assert.Equal(t, "plain transcript", resp.Text)
}

func TestTranscribeRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int32
		status       int
		maxRetries   int
		wantErr      bool
		wantAttempts int32
	}{
		{name: "recovers after 5xx", failures: 2, status: http.StatusBadGateway, maxRetries: 3, wantAttempts: 3},
		{name: "recovers after 429", failures: 1, status: http.StatusTooManyRequests, maxRetries: 3, wantAttempts: 2},
		{name: "gives up after retries", failures: 10, status: http.StatusServiceUnavailable, maxRetries: 2, wantErr: true, wantAttempts: 3},
		{name: "no retry on 4xx", failures: 10, status: http.StatusBadRequest, maxRetries: 3, wantErr: true, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if attempts.Add(1) <= tt.failures {
					http.Error(w, "busy", tt.status)
					return
				}
				_ = json.NewEncoder(w).Encode(Response{Text: "ok"})
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, Config{MaxRetries: tt.maxRetries})

			_, err := client.Transcribe(context.Background(), &Request{Chunk: testChunk()})
			if tt.wantErr {
				require.Error(t, err)
				var statusErr *StatusError
				require.ErrorAs(t, err, &statusErr)
				assert.Equal(t, tt.status, statusErr.StatusCode)
				assert.Equal(t, uint64(1), client.Stats().FailedRequests)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAttempts, attempts.Load())
			assert.Equal(t, uint64(tt.wantAttempts-1), client.Stats().TotalRetries)
		})
	}
}

func TestTranscribeCanceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL, Config{MaxRetries: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Transcribe(ctx, &Request{Chunk: testChunk()})
	require.Error(t, err)
}

func TestTranscribeRequiresChunk(t *testing.T) {
	client := newTestClient(t, "http://localhost", Config{})

	_, err := client.Transcribe(context.Background(), &Request{})
	assert.Error(t, err)
}

func TestCloseRejectsRequests(t *testing.T) {
	client := newTestClient(t, "http://localhost", Config{MaxConcurrent: 2})

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Transcribe(context.Background(), &Request{Chunk: testChunk()})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestBackoffIsCapped(t *testing.T) {
	client := newTestClient(t, "http://localhost", Config{})

	assert.Equal(t, time.Millisecond, client.backoff(1))
	assert.Equal(t, 2*time.Millisecond, client.backoff(2))
	assert.Equal(t, 4*time.Millisecond, client.backoff(3))
	assert.Equal(t, 5*time.Millisecond, client.backoff(4))
	assert.Equal(t, 5*time.Millisecond, client.backoff(80))
}
