package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wisefido-chat/internal/domain"
	"wisefido-chat/internal/service"

	"github.com/go-resty/resty/v2"
)

// headerOperatorID must match the server's identity header
const headerOperatorID = "X-Operator-Id"

// envelope server response shape {code, type, message, result}
type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// APIClient resty-based REST client for one operator
type APIClient struct {
	client *resty.Client
}

var _ API = (*APIClient)(nil)

func NewAPIClient(baseURL, operatorID string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader(headerOperatorID, operatorID).
		SetHeader("Accept", "application/json")
	return &APIClient{client: c}
}

// do sends req and decodes the envelope's result into out (nil = ignore)
func (c *APIClient) do(req *resty.Request, method, path string, out any) error {
	var env envelope
	req.SetError(&env).SetResult(&env)
	resp, err := req.Execute(method, path)
	if err != nil {
		return &service.Error{Kind: service.KindNetwork, Message: "network error, please retry", Err: err}
	}
	if resp.IsError() {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return &service.Error{Kind: kindForStatus(resp.StatusCode()), Message: msg,
			Err: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode())}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &service.Error{Kind: service.KindInternal, Message: "unexpected response", Err: err}
	}
	return nil
}

func kindForStatus(code int) service.ErrorKind {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return service.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return service.KindPermissionDenied
	case http.StatusNotFound:
		return service.KindNotFound
	case http.StatusConflict:
		return service.KindConflict
	case http.StatusServiceUnavailable:
		return service.KindStorageUnavailable
	case http.StatusBadGateway:
		return service.KindUploadFailed
	}
	return service.KindInternal
}

func (c *APIClient) GetRoom(ctx context.Context, roomID string, since time.Time) (*service.RoomDetail, error) {
	req := c.client.R().SetContext(ctx).SetPathParam("id", roomID)
	if !since.IsZero() {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out service.RoomDetail
	if err := c.do(req, http.MethodGet, "/chat/rooms/{id}", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) SendMessage(ctx context.Context, in service.AppendRequest) (*domain.Message, error) {
	var out domain.Message
	if err := c.do(c.client.R().SetContext(ctx).SetBody(in), http.MethodPost, "/chat/messages", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) UploadAttachment(ctx context.Context, messageID, fileName string, body io.Reader) (*domain.Attachment, error) {
	req := c.client.R().SetContext(ctx).
		SetFormData(map[string]string{"message_id": messageID}).
		SetFileReader("file", fileName, body)
	var out domain.Attachment
	if err := c.do(req, http.MethodPost, "/chat/upload", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) MarkRead(ctx context.Context, roomID string) error {
	return c.do(c.client.R().SetContext(ctx).SetPathParam("id", roomID), http.MethodPost, "/chat/rooms/{id}/read", nil)
}

// UnreadCount for badge polling
func (c *APIClient) UnreadCount(ctx context.Context) (*service.UnreadCountResponse, error) {
	var out service.UnreadCountResponse
	if err := c.do(c.client.R().SetContext(ctx), http.MethodGet, "/chat/unread-count", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Notifications feed polling
func (c *APIClient) Notifications(ctx context.Context, limit int) (*service.FeedResponse, error) {
	req := c.client.R().SetContext(ctx)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprint(limit))
	}
	var out service.FeedResponse
	if err := c.do(req, http.MethodGet, "/chat/notifications", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
