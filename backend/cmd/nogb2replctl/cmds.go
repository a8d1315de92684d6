package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/nogproject/nogb2/backend/internal/nogb2repld/adminapi"
)

func printJSON(v interface{}) {
	jout := json.NewEncoder(os.Stdout)
	jout.SetIndent("", "  ")
	if err := jout.Encode(v); err != nil {
		lg.Fatalw("Failed to encode JSON.", "err", err)
	}
}

// `handlePath()` escapes the two handle parts separately, because the admin
// API routes the slash.
func handlePath(prefix, h string) string {
	parts := strings.SplitN(h, "/", 2)
	return prefix + "/" + url.PathEscape(parts[0]) + "/" +
		url.PathEscape(parts[1])
}

func cmdGet(c *client, path string) {
	out, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		lg.Fatalw("Request failed.", "path", path, "err", err)
	}
	printJSON(out)
}

func cmdInit(c *client) {
	out, err := c.do(http.MethodPost, "/v1/initialize", nil)
	if err != nil {
		lg.Fatalw("Request failed.", "err", err)
	}
	var o adminapi.InitializeO
	if err := json.Unmarshal(out, &o); err != nil {
		lg.Fatalw("Invalid response.", "err", err)
	}
	printJSON(o)
	if !o.Initialized {
		lg.Errorw("Federation is not initialized; see nogb2repld log.")
		os.Exit(1)
	}
}

func cmdPutOn(c *client, path string, on bool) {
	out, err := c.do(http.MethodPut, path, adminapi.OnO{On: on})
	if err != nil {
		lg.Fatalw("Request failed.", "path", path, "err", err)
	}
	printJSON(out)
}

func cmdReplicate(c *client, args map[string]interface{}) {
	h := args["<handle>"].(string)
	path := handlePath("/v1/replicate", h)
	if args["--force"].(bool) {
		path += "?force=true"
	}
	out, err := c.do(http.MethodPost, path, nil)
	if err != nil {
		lg.Fatalw("Replicate failed.", "handle", h, "err", err)
	}
	printJSON(out)
}

func cmdReplicateMissing(c *client, args map[string]interface{}) {
	path := "/v1/replicate-missing"
	if n, ok := args["--max"].(int); ok {
		path += fmt.Sprintf("?max=%d", n)
	}
	out, err := c.do(http.MethodPost, path, nil)
	if err != nil {
		lg.Fatalw("Replicate missing failed.", "err", err)
	}
	printJSON(out)
}

func cmdClearFailed(c *client, args map[string]interface{}) {
	h := args["<handle>"].(string)
	_, err := c.do(http.MethodDelete, handlePath("/v1/failed", h), nil)
	if err != nil {
		lg.Fatalw("Clear failed.", "handle", h, "err", err)
	}
	lg.Infow("Cleared failure.", "handle", h)
}
