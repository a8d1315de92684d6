package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlePath(t *testing.T) {
	require.Equal(t, "/v1/replicate/123/4.5", handlePath("/v1/replicate", "123/4.5"))
	require.Equal(t, "/v1/failed/a/b%20c", handlePath("/v1/failed", "a/b c"))
}

func TestClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/full":
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"queue full","retryable":true}`))
			case "/v1/plain":
				http.Error(w, "boom", http.StatusInternalServerError)
			default:
				_, _ = w.Write([]byte(`{"on":true}`))
			}
		},
	))
	defer ts.Close()

	c := newClient(strings.TrimPrefix(ts.URL, "http://"), time.Minute)

	out, err := c.do(http.MethodGet, "/v1/ok", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"on":true}`, string(out))

	_, err = c.do(http.MethodPost, "/v1/full", nil)
	require.Error(t, err)
	herr, ok := err.(*HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusServiceUnavailable, herr.Code)
	require.Equal(t, "queue full", herr.Message)
	require.True(t, herr.Retryable)

	_, err = c.do(http.MethodGet, "/v1/plain", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HTTP 500: boom")
}
