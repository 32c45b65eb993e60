package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"socialchat/models"

	"github.com/cenkalti/backoff/v4"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s: %s", e.Status, e.Code, e.Message)
}

type ClientConfig struct {
	Timeout    time.Duration
	MaxRetries uint64
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration
}

// Client calls the REST API as one user. Reads are retried on network errors
// and 5xx responses; sends only when they carry an idempotency key.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	conf    ClientConfig
}

func NewClient(baseURL, token string, conf ClientConfig) *Client {
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.InitialInterval <= 0 {
		conf.InitialInterval = 200 * time.Millisecond
	}
	if conf.MaxRetries == 0 {
		conf.MaxRetries = 4
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf:    conf,
	}
}

func (c *Client) SendMessage(ctx context.Context, peerID, text, idempotencyKey string) (*models.Message, bool, error) {
	var out struct {
		Message  *models.Message `json:"message"`
		Replayed bool            `json:"replayed"`
	}
	body := map[string]string{"text": text}
	if idempotencyKey != "" {
		body["idempotencyKey"] = idempotencyKey
	}
	path := "/api/conversations/" + url.PathEscape(peerID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, &out, idempotencyKey != ""); err != nil {
		return nil, false, err
	}
	return out.Message, out.Replayed, nil
}

func (c *Client) GetMessages(ctx context.Context, peerID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(peerID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) DeleteConversation(ctx context.Context, peerID string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(peerID), nil, nil, false)
}

func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, retry bool) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode}
			var e struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			if json.Unmarshal(data, &e) == nil {
				apiErr.Code, apiErr.Message = e.Code, e.Error
			}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}

	if !retry {
		err := operation()
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.InitialInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.conf.MaxRetries), ctx))
}
