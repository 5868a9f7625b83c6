package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, Retries: retries, Backoff: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "5", r.URL.Query().Get("amount"))
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	var out struct{ Status string }
	err := newTestClient(t, srv.URL, 3).GetJSON(context.Background(), "/quote", url.Values{"amount": {"5"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad amount", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL, 3).GetJSON(context.Background(), "/quote", nil, nil)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL, 2).GetJSON(context.Background(), "/", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPostJSONRunsHookOnEveryAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "signed", r.Header.Get("X-Sig"))
		var in map[string]int
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 7, in["n"])
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	var hooks int32
	c := newTestClient(t, srv.URL, 1).WithHook(func(req *http.Request, body []byte) error {
		atomic.AddInt32(&hooks, 1)
		req.Header.Set("X-Sig", "signed")
		return nil
	})

	var out struct{ ID string }
	require.NoError(t, c.PostJSON(context.Background(), "/submit", map[string]int{"n": 7}, &out))
	assert.Equal(t, "abc", out.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hooks))
}

func TestProxyString(t *testing.T) {
	_, err := New(Config{BaseURL: "http://example.com", ProxyString: "127.0.0.1:1080:u:p:socks5"}, zap.NewNop())
	assert.NoError(t, err)

	_, err = New(Config{BaseURL: "http://example.com", ProxyString: "127.0.0.1:8080"}, zap.NewNop())
	assert.NoError(t, err)

	_, err = New(Config{BaseURL: "http://example.com", ProxyString: "nonsense"}, zap.NewNop())
	assert.Error(t, err)
}
