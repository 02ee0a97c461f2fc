package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
)

// client talks to the ops endpoints of a running server
type client struct {
	base *url.URL
	doer goahttp.Doer
}

func newClient(addr string, timeout int, debug bool) (*client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL %q: scheme must be http or https", addr)
	}

	var (
		doer goahttp.Doer
	)
	{
		doer = &http.Client{Timeout: time.Duration(timeout) * time.Second}
		if debug {
			doer = goahttp.NewDebugDoer(doer)
		}
	}
	return &client{base: u, doer: doer}, nil
}

// do sends a request and decodes a JSON reply into v. Non-2xx replies are
// returned as errors carrying the server message.
func (c *client) do(ctx context.Context, method, path string, v any) error {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
			return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("%s %s: %s [%s]", method, path, body.Message, body.ID)
	}

	if v == nil {
		return nil
	}
	if err := goahttp.ResponseDecoder(resp).Decode(v); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

// wsURL maps the server address onto the WebSocket endpoint of a stream
func (c *client) wsURL(streamID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	prefix := strings.TrimSuffix(u.Path, "/") + "/ws/stream/"
	u.Path = prefix + streamID
	u.RawPath = prefix + url.PathEscape(streamID)
	return u.String()
}
