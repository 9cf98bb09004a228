package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poppobuilder/dispatchd/internal/config"
	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
	"github.com/poppobuilder/dispatchd/internal/dispatch"
	"github.com/poppobuilder/dispatchd/internal/obslog"
	"github.com/poppobuilder/dispatchd/internal/queue"
	"github.com/poppobuilder/dispatchd/internal/retry"
	"github.com/poppobuilder/dispatchd/internal/workerpool"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// controlState is everything the serve command's running collaborators
// the control-socket handler needs to answer a request; it is built
// once in runServe and closed over by the ctrlsock.Handler it returns.
type controlState struct {
	dispatcher *dispatch.Dispatcher
	queue      *queue.Queue
	pool       *workerpool.Pool
	retry      *retry.Controller
	cfg        *config.Config
	log        *obslog.Logger
}

func parseTaskKey(taskID string) workitem.Key {
	parts := strings.SplitN(taskID, "/", 2)
	if len(parts) != 2 {
		return workitem.Key{ItemID: taskID}
	}
	return workitem.Key{ProjectID: parts[0], ItemID: parts[1]}
}

// newControlHandler builds the ctrlsock.Handler that answers every CLI
// subcommand except "serve" itself.
func newControlHandler(st controlState) ctrlsock.Handler {
	return func(ctx context.Context, req ctrlsock.Request, send func(ctrlsock.Response) error) error {
		switch req.Command {
		case ctrlsock.CmdStatus:
			return st.handleStatus(send)
		case ctrlsock.CmdKill:
			return st.handleKill(req, send)
		case ctrlsock.CmdLogs:
			return st.handleLogs(ctx, req, send)
		case ctrlsock.CmdMaintenance:
			return st.handleMaintenance(req, send)
		case ctrlsock.CmdDeadLetter:
			return st.handleDeadLetter(req, send)
		default:
			return fmt.Errorf("ctrlsock: unrecognized command %q", req.Command)
		}
	}
}

func (st controlState) handleStatus(send func(ctrlsock.Response) error) error {
	queued, running := st.queue.Snapshot()

	byProject := map[string]*ctrlsock.ProjectSummary{}
	for _, it := range queued {
		p := byProject[it.Key.ProjectID]
		if p == nil {
			p = &ctrlsock.ProjectSummary{ProjectID: it.Key.ProjectID}
			byProject[it.Key.ProjectID] = p
		}
		p.Queued++
	}
	runningSummaries := make([]ctrlsock.RunningTaskSummary, 0, len(running))
	for _, it := range running {
		p := byProject[it.Key.ProjectID]
		if p == nil {
			p = &ctrlsock.ProjectSummary{ProjectID: it.Key.ProjectID}
			byProject[it.Key.ProjectID] = p
		}
		p.Running++
		runningSummaries = append(runningSummaries, ctrlsock.RunningTaskSummary{
			TaskID:    it.Key.String(),
			ProjectID: it.Key.ProjectID,
			ItemID:    it.Key.ItemID,
			Type:      string(it.Type),
		})
	}
	projects := make([]ctrlsock.ProjectSummary, 0, len(byProject))
	for _, p := range byProject {
		projects = append(projects, *p)
	}

	active, _, _ := st.dispatcher.Maintenance()
	payload := ctrlsock.StatusPayload{
		PID:               os.Getpid(),
		MaintenanceActive: active,
		QueueDepth:        st.queue.Size(),
		Running:           runningSummaries,
		Projects:          projects,
	}
	if h, err := os.Hostname(); err == nil {
		payload.Host = h
	}
	resp, err := ctrlsock.EncodePayload(payload, true)
	if err != nil {
		return err
	}
	return send(resp)
}

func (st controlState) handleKill(req ctrlsock.Request, send func(ctrlsock.Response) error) error {
	if req.TaskID == "" {
		return fmt.Errorf("ctrlsock: kill requires a task_id")
	}
	key := parseTaskKey(req.TaskID)
	if !st.pool.Cancel(key) {
		return fmt.Errorf("ctrlsock: no running task %s", req.TaskID)
	}
	resp, err := ctrlsock.EncodePayload(struct {
		Killed string `json:"killed"`
	}{Killed: req.TaskID}, true)
	if err != nil {
		return err
	}
	return send(resp)
}

// handleLogs tails the per-item log file workerpool.Pool writes under
// cfg.LogDir/<project>/<item>.log. Follow keeps polling for appended
// lines until the client disconnects or ctx is canceled.
func (st controlState) handleLogs(ctx context.Context, req ctrlsock.Request, send func(ctrlsock.Response) error) error {
	if req.TaskID == "" {
		return fmt.Errorf("ctrlsock: logs requires a task_id")
	}
	key := parseTaskKey(req.TaskID)
	path := filepath.Join(st.cfg.LogDir, key.ProjectID, key.ItemID+".log")

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ctrlsock: open log for %s: %w", req.TaskID, err)
	}
	defer f.Close()

	lines := req.Lines
	if lines <= 0 {
		lines = 100
	}
	tail, err := tailLines(f, lines)
	if err != nil {
		return err
	}
	for i, text := range tail {
		done := !req.Follow && i == len(tail)-1
		resp, err := ctrlsock.EncodePayload(ctrlsock.LogLine{At: time.Now(), TaskID: req.TaskID, Message: text}, done)
		if err != nil {
			return err
		}
		if err := send(resp); err != nil {
			return err
		}
	}
	if !req.Follow {
		if len(tail) == 0 {
			resp, err := ctrlsock.EncodePayload(ctrlsock.LogLine{TaskID: req.TaskID}, true)
			if err != nil {
				return err
			}
			return send(resp)
		}
		return nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				text, err := reader.ReadString('\n')
				if text == "" || err != nil {
					break
				}
				resp, err := ctrlsock.EncodePayload(ctrlsock.LogLine{At: time.Now(), TaskID: req.TaskID, Message: strings.TrimRight(text, "\n")}, false)
				if err != nil {
					return err
				}
				if err := send(resp); err != nil {
					return err
				}
			}
		}
	}
}

func tailLines(f *os.File, n int) ([]string, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var all []string
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

func (st controlState) handleMaintenance(req ctrlsock.Request, send func(ctrlsock.Response) error) error {
	switch req.MaintenanceAction {
	case ctrlsock.MaintenanceStart:
		types := make([]workitem.Type, 0, len(req.AllowedTypes))
		for _, t := range req.AllowedTypes {
			types = append(types, workitem.Type(t))
		}
		var expiresAt time.Time
		if req.ExtendFor > 0 {
			expiresAt = time.Now().Add(req.ExtendFor)
		}
		st.dispatcher.SetMaintenance(true, types, expiresAt)
	case ctrlsock.MaintenanceStop:
		st.dispatcher.SetMaintenance(false, nil, time.Time{})
	case ctrlsock.MaintenanceExtend:
		active, types, _ := st.dispatcher.Maintenance()
		if !active {
			return fmt.Errorf("ctrlsock: maintenance is not active")
		}
		st.dispatcher.SetMaintenance(true, types, time.Now().Add(req.ExtendFor))
	case ctrlsock.MaintenanceStatus:
		// no state change; fall through to report below
	default:
		return fmt.Errorf("ctrlsock: unrecognized maintenance action %q", req.MaintenanceAction)
	}

	active, types, expiresAt := st.dispatcher.Maintenance()
	allowed := make([]string, 0, len(types))
	for _, t := range types {
		allowed = append(allowed, string(t))
	}
	resp, err := ctrlsock.EncodePayload(ctrlsock.MaintenancePayload{Active: active, AllowedTypes: allowed, ExpiresAt: expiresAt}, true)
	if err != nil {
		return err
	}
	return send(resp)
}

func (st controlState) handleDeadLetter(req ctrlsock.Request, send func(ctrlsock.Response) error) error {
	switch req.DeadLetterAction {
	case ctrlsock.DeadLetterList:
		entries := st.retry.DeadLetters.List()
		payload := make([]ctrlsock.DeadLetterEntry, 0, len(entries))
		for _, dl := range entries {
			payload = append(payload, toEntry(dl))
		}
		resp, err := ctrlsock.EncodePayload(payload, true)
		if err != nil {
			return err
		}
		return send(resp)
	case ctrlsock.DeadLetterShow:
		dl, ok := st.retry.DeadLetters.Get(req.DeadLetterID)
		if !ok {
			return fmt.Errorf("ctrlsock: no dead letter %s", req.DeadLetterID)
		}
		resp, err := ctrlsock.EncodePayload(toEntry(dl), true)
		if err != nil {
			return err
		}
		return send(resp)
	case ctrlsock.DeadLetterRetry:
		item, err := st.retry.DeadLetters.Reinject(req.DeadLetterID)
		if err != nil {
			return fmt.Errorf("ctrlsock: %w", err)
		}
		if err := st.queue.Enqueue(item); err != nil {
			return fmt.Errorf("ctrlsock: re-enqueue %s: %w", req.DeadLetterID, err)
		}
		resp, err := ctrlsock.EncodePayload(struct {
			Requeued string `json:"requeued"`
		}{Requeued: req.DeadLetterID}, true)
		if err != nil {
			return err
		}
		return send(resp)
	default:
		return fmt.Errorf("ctrlsock: unrecognized dead-letter action %q", req.DeadLetterAction)
	}
}

func toEntry(dl workitem.DeadLetter) ctrlsock.DeadLetterEntry {
	return ctrlsock.DeadLetterEntry{
		ID:        dl.ID,
		ProjectID: dl.Item.Key.ProjectID,
		ItemID:    dl.Item.Key.ItemID,
		Type:      string(dl.Item.Type),
		Reason:    string(dl.Reason),
		Attempts:  dl.RetryState.Attempts,
		CreatedAt: dl.CreatedAt,
	}
}
