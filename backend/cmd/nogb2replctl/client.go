package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nogproject/nogb2/backend/internal/nogb2repld/adminapi"
)

type client struct {
	base    string
	hc      *http.Client
	timeout time.Duration
}

// `newClient()` connects via TCP or, for addresses that start with `/`, via a
// Unix domain socket.
func newClient(addr string, timeout time.Duration) *client {
	if !strings.HasPrefix(addr, "/") {
		return &client{
			base:    "http://" + addr,
			hc:      &http.Client{},
			timeout: timeout,
		}
	}
	tr := &http.Transport{
		DialContext: func(
			ctx context.Context, network, _ string,
		) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		},
	}
	return &client{
		base:    "http://unix",
		hc:      &http.Client{Transport: tr},
		timeout: timeout,
	}
}

// `HTTPError` is a non-2xx response.
type HTTPError struct {
	Code      int
	Message   string
	Retryable bool
}

func (err *HTTPError) Error() string {
	msg := fmt.Sprintf("HTTP %d: %s", err.Code, err.Message)
	if err.Retryable {
		msg += " (retryable)"
	}
	return msg
}

// `do()` sends `in` as JSON if non-nil and returns the raw response body.
func (c *client) do(
	method, path string, in interface{},
) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var e adminapi.ErrorO
		if err := json.Unmarshal(out, &e); err != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(out))
		}
		return nil, &HTTPError{
			Code:      res.StatusCode,
			Message:   e.Error,
			Retryable: e.Retryable,
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return json.RawMessage(out), nil
}
