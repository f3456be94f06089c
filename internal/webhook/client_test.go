package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestClient_SendSigned(t *testing.T) {
	var gotBody []byte
	var gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(testLogger(), ClientConfig{Timeout: time.Second}, nil)
	body := []byte(`{"jobId":"j1","task":"translate"}`)
	require.NoError(t, c.Send(context.Background(), srv.URL, body, "shh"))

	assert.Equal(t, body, gotBody)
	assert.NotEmpty(t, gotTS)
	assert.NoError(t, Verify(gotBody, gotSig, gotTS, "shh"))
}

func TestClient_SendUnsigned(t *testing.T) {
	var hadSig atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header[HeaderSignature]
		hadSig.Store(ok)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testLogger(), ClientConfig{Timeout: time.Second}, nil)
	require.NoError(t, c.Send(context.Background(), srv.URL, []byte(`{}`), ""))
	assert.False(t, hadSig.Load())
}

func TestClient_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(testLogger(), ClientConfig{Timeout: time.Second, MaxRetries: 2}, nil)
	err := c.Send(context.Background(), srv.URL, []byte(`{}`), "k")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testLogger(), ClientConfig{Timeout: time.Second, MaxRetries: 3}, nil)
	err := c.Send(context.Background(), srv.URL, []byte(`{}`), "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(testLogger(), ClientConfig{Timeout: 200 * time.Millisecond}, nil)
	assert.Error(t, c.Send(context.Background(), url, []byte(`{}`), ""))
}
