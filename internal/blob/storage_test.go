package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-chat/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHTTPStorage_Unconfigured(t *testing.T) {
	s := NewHTTPStorage(config.BlobConfig{}, zap.NewNop())
	assert.False(t, s.Configured())
	_, err := s.Upload(context.Background(), "k", "a.txt", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestHTTPStorage_UploadReturnsPublicURL(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewHTTPStorage(config.BlobConfig{
		BaseURL: srv.URL, Bucket: "chat", Token: "secret", PublicURL: "https://cdn.example.com",
	}, zap.NewNop())
	u, err := s.Upload(context.Background(), "msg-1_report.pdf", "report.pdf", "application/pdf", strings.NewReader("PDF"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/chat/msg-1_report.pdf", u)
	assert.Equal(t, "/chat/msg-1_report.pdf", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "PDF", gotBody)
}

func TestHTTPStorage_UploadPrefersServerURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://files.example.com/abc"}`))
	}))
	defer srv.Close()

	s := NewHTTPStorage(config.BlobConfig{BaseURL: srv.URL}, zap.NewNop())
	u, err := s.Upload(context.Background(), "k", "a.txt", "", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/abc", u)
}

func TestHTTPStorage_ForbiddenIsStorageUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewHTTPStorage(config.BlobConfig{BaseURL: srv.URL}, zap.NewNop())
	_, err := s.Upload(context.Background(), "k", "a.txt", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrUploadFailed)
}

func TestHTTPStorage_ServerErrorIsUploadFailedAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPStorage(config.BlobConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, zap.NewNop())
	_, err := s.Upload(context.Background(), "k", "a.txt", "", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
