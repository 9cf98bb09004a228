package ctrlsock

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func startServer(t *testing.T, handler Handler) (*Client, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctrl.sock")
	srv, err := Listen(path, handler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	return NewClient(path), func() {
		cancel()
		srv.Close()
		<-done
	}
}

func TestStatusRequestRoundTrips(t *testing.T) {
	handler := func(ctx context.Context, req Request, send func(Response) error) error {
		if req.Command != CmdStatus {
			return nil
		}
		resp, err := EncodePayload(StatusPayload{Host: "devbox", PID: 123, QueueDepth: 7}, true)
		if err != nil {
			return err
		}
		return send(resp)
	}
	client, stop := startServer(t, handler)
	defer stop()

	resp, err := client.SendOnce(Request{Command: CmdStatus})
	if err != nil {
		t.Fatalf("SendOnce: %v", err)
	}
	if !resp.OK || !resp.Done {
		t.Fatalf("expected OK+Done response, got %+v", resp)
	}
	var payload StatusPayload
	if err := json.Unmarshal(resp.Data, &payload); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if payload.Host != "devbox" || payload.QueueDepth != 7 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandlerErrorSurfacesAsFailureResponse(t *testing.T) {
	handler := func(ctx context.Context, req Request, send func(Response) error) error {
		return errDoesNotExist(req.TaskID)
	}
	client, stop := startServer(t, handler)
	defer stop()

	resp, err := client.SendOnce(Request{Command: CmdKill, TaskID: "acme/1"})
	if err != nil {
		t.Fatalf("SendOnce: %v", err)
	}
	if resp.OK {
		t.Fatal("expected OK=false on handler error")
	}
	if resp.Error == "" {
		t.Fatal("expected a populated Error field")
	}
}

func TestLogsStreamDeliversMultipleLinesThenDone(t *testing.T) {
	lines := []string{"starting", "working", "finished"}
	handler := func(ctx context.Context, req Request, send func(Response) error) error {
		for i, line := range lines {
			resp, err := EncodePayload(LogLine{Message: line, TaskID: req.TaskID}, i == len(lines)-1)
			if err != nil {
				return err
			}
			if err := send(resp); err != nil {
				return err
			}
		}
		return nil
	}
	client, stop := startServer(t, handler)
	defer stop()

	var got []string
	err := client.Send(Request{Command: CmdLogs, TaskID: "acme/1", Follow: true}, func(resp Response) error {
		var line LogLine
		if err := json.Unmarshal(resp.Data, &line); err != nil {
			return err
		}
		got = append(got, line.Message)
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != len(lines) {
		t.Fatalf("expected %d lines, got %d: %v", len(lines), len(got), got)
	}
	for i, line := range lines {
		if got[i] != line {
			t.Fatalf("line %d: got %q, want %q", i, got[i], line)
		}
	}
}

func errDoesNotExist(taskID string) error {
	return &taskNotFoundError{taskID: taskID}
}

type taskNotFoundError struct{ taskID string }

func (e *taskNotFoundError) Error() string {
	return "ctrlsock: no running task " + e.taskID
}

func TestDialFailsFastWithoutAListener(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nope.sock"))
	client.DialTimeout = 200 * time.Millisecond
	if _, err := client.SendOnce(Request{Command: CmdStatus}); err == nil {
		t.Fatal("expected dial error against a nonexistent socket")
	}
}
