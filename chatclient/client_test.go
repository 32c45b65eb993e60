package chatclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flakyServer(t *testing.T, failures int32, okBody string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"Internal server error","code":"ServerError"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(okBody))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testConfig() ClientConfig {
	return ClientConfig{Timeout: time.Second, MaxRetries: 3, InitialInterval: time.Millisecond}
}

func TestGetIsRetried(t *testing.T) {
	srv, calls := flakyServer(t, 2, `{"messages":[{"text":"hi","senderId":"bob","receiverId":"alice"}]}`)
	c := NewClient(srv.URL, "tok", testConfig())

	msgs, err := c.GetMessages(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	srv, calls := flakyServer(t, 100, `{}`)
	c := NewClient(srv.URL, "tok", testConfig())

	_, err := c.ListConversations(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))
}

func TestSendWithoutKeyIsNotRetried(t *testing.T) {
	srv, calls := flakyServer(t, 1, `{"message":{"text":"hi"}}`)
	c := NewClient(srv.URL, "tok", testConfig())

	_, _, err := c.SendMessage(context.Background(), "bob", "hi", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestSendWithKeyIsRetried(t *testing.T) {
	srv, calls := flakyServer(t, 1, `{"message":{"text":"hi"},"replayed":true}`)
	c := NewClient(srv.URL, "tok", testConfig())

	m, replayed, err := c.SendMessage(context.Background(), "bob", "hi", "key-1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found: no conversation with bob","code":"NotFound"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "tok", testConfig())

	_, err := c.GetMessages(context.Background(), "bob")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "NotFound", apiErr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	err = c.DeleteConversation(context.Background(), "bob")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
