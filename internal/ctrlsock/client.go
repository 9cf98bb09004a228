package ctrlsock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Client dials the control socket for one request/response exchange
// per call, matching the CLI's one-shot command style.
type Client struct {
	Path        string
	DialTimeout time.Duration
}

// NewClient builds a Client against the control socket at path, with
// the default dial timeout.
func NewClient(path string) *Client {
	return &Client{Path: path, DialTimeout: 5 * time.Second}
}

// Send issues req and calls onResponse for every Response the server
// sends before closing the connection: exactly one for ordinary
// commands, a stream of them for "logs --follow" until the caller's
// onResponse returns an error (typically because it caught Ctrl-C) or
// the server ends the stream with Done set.
func (c *Client) Send(req Request, onResponse func(Response) error) error {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("unix", c.Path, timeout)
	if err != nil {
		return fmt.Errorf("ctrlsock: dial %s: %w", c.Path, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("ctrlsock: send request: %w", err)
	}

	dec := json.NewDecoder(conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ctrlsock: decode response: %w", err)
		}
		if err := onResponse(resp); err != nil {
			return err
		}
		if resp.Done {
			return nil
		}
	}
}

// SendOnce is a convenience wrapper for commands that always produce
// exactly one Response (everything except "logs --follow").
func (c *Client) SendOnce(req Request) (Response, error) {
	var out Response
	got := false
	err := c.Send(req, func(resp Response) error {
		out = resp
		got = true
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if !got {
		return Response{}, fmt.Errorf("ctrlsock: server closed connection without a response")
	}
	return out, nil
}
