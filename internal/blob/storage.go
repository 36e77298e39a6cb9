package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"wisefido-chat/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

var (
	// ErrStorageUnavailable backend not configured or refusing our credentials/bucket
	ErrStorageUnavailable = errors.New("attachment storage unavailable")
	// ErrUploadFailed transient failure, retrying later may succeed
	ErrUploadFailed = errors.New("attachment upload failed")
)

// Storage attachment blob backend
type Storage interface {
	// Upload stores the object under key and returns its public URL
	Upload(ctx context.Context, key, fileName, contentType string, body io.Reader) (string, error)
}

// HTTPStorage object store speaking plain HTTP PUT
// ({base}/{bucket}/{key}, bearer token), e.g. an S3-compatible gateway.
type HTTPStorage struct {
	client    *resty.Client
	bucket    string
	publicURL string
	logger    *zap.Logger
}

var _ Storage = (*HTTPStorage)(nil)

// uploadResponse optional JSON body of a successful PUT
type uploadResponse struct {
	URL string `json:"url"`
}

// NewHTTPStorage nil client when BaseURL is empty: every Upload reports ErrStorageUnavailable
func NewHTTPStorage(cfg config.BlobConfig, logger *zap.Logger) *HTTPStorage {
	s := &HTTPStorage{bucket: cfg.Bucket, logger: logger}
	if cfg.BaseURL == "" {
		return s
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.client = resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		s.client.SetAuthToken(cfg.Token)
	}
	s.publicURL = strings.TrimRight(cfg.PublicURL, "/")
	if s.publicURL == "" {
		s.publicURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return s
}

func (s *HTTPStorage) Configured() bool { return s.client != nil }

func (s *HTTPStorage) objectPath(key string) string {
	escaped := url.PathEscape(key)
	if s.bucket == "" {
		return "/" + escaped
	}
	return "/" + path.Join(url.PathEscape(s.bucket), escaped)
}

func (s *HTTPStorage) Upload(ctx context.Context, key, fileName, contentType string, body io.Reader) (string, error) {
	if s.client == nil {
		return "", ErrStorageUnavailable
	}
	// buffered so retries can resend the body
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUploadFailed, err)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	var out uploadResponse
	objPath := s.objectPath(key)
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName)).
		SetBody(data).
		SetResult(&out).
		Put(objPath)
	if err != nil {
		s.logger.Warn("Attachment upload failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		// bad token or missing bucket: a configuration problem, not worth retrying
		s.logger.Error("Attachment storage rejected upload",
			zap.String("key", key), zap.Int("status_code", code))
		return "", fmt.Errorf("%w: status %d", ErrStorageUnavailable, code)
	case code < 200 || code >= 300:
		s.logger.Warn("Attachment upload returned error",
			zap.String("key", key), zap.Int("status_code", code))
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, code)
	}

	if out.URL != "" {
		return out.URL, nil
	}
	return s.publicURL + objPath, nil
}
