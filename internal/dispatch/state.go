package dispatch

import (
	"strings"

	"github.com/poppobuilder/dispatchd/internal/persistence"
	"github.com/poppobuilder/dispatchd/internal/retry"
	"github.com/poppobuilder/dispatchd/internal/workitem"
)

// recover implements spec §4.6 startup recovery: load the last
// snapshot, restore the in-memory retry/breaker/dead-letter state it
// carries, restore the queue, and reconcile every item the snapshot
// claims was "running" against the live lock store (S4).
func (d *Dispatcher) recover() error {
	state, err := d.cfg.Persist.Load()
	if err != nil {
		return err
	}

	for keyStr, rec := range state.Breakers {
		bk := parseBreakerKey(keyStr)
		d.cfg.Retry.Breakers.Restore(bk, retry.BreakerSnapshot{
			State:               workitem.BreakerState(rec.State),
			ConsecutiveFailures: rec.ConsecutiveFailures,
			OpenedAt:            rec.OpenedAt,
		})
	}

	d.mu.Lock()
	for keyStr, rec := range state.Retry {
		k := parseKey(keyStr)
		d.retryStates[k] = fromRetryRecord(rec, k)
	}
	d.mu.Unlock()

	for _, rec := range state.DeadLetters {
		item := fromQueuedItem(rec.Item)
		rs := fromRetryRecord(rec.RetryState, item.Key)
		_, _ = d.cfg.Retry.DeadLetters.Add(item, *rs, workitem.DeadLetterReason(rec.Reason))
	}

	queued := make([]workitem.WorkItem, 0, len(state.Queue))
	for _, qi := range state.Queue {
		queued = append(queued, fromQueuedItem(qi))
	}
	d.cfg.Queue.Restore(queued, nil)

	for _, running := range state.Running {
		item := fromQueuedItem(running.Item)
		if d.cfg.Locks.IsLockValid(item.Key) {
			// A live lock means some process genuinely still owns this
			// item; leave it out of dispatch rather than risk a second
			// concurrent execution of the same key (invariant I-3).
			continue
		}
		rs := d.retryStateFor(item.Key)
		d.cfg.Retry.DecideCrashRecovery(rs)
		item.NextRetryAt = rs.NextRetryAt
		item.Status = workitem.StatusReenqueued
		_ = d.cfg.Queue.Enqueue(item)
	}

	if state.Maintenance.Active {
		types := make([]workitem.Type, 0, len(state.Maintenance.AllowedTypes))
		for _, t := range state.Maintenance.AllowedTypes {
			types = append(types, workitem.Type(t))
		}
		d.SetMaintenance(true, types, state.Maintenance.ExpiresAt)
	}

	return nil
}

// buildState captures the engine's full durable image for C2 (spec §3
// Snapshot): the queue, the running set, retry state, circuit
// breakers, and dead letters.
func (d *Dispatcher) buildState() persistence.State {
	state := persistence.NewEmptyState(d.now())

	queued, running := d.cfg.Queue.Snapshot()
	for _, it := range queued {
		state.Queue = append(state.Queue, toQueuedItem(it))
	}

	d.mu.Lock()
	for _, it := range running {
		holder := d.holders[it.Key]
		state.Running[it.Key.String()] = persistence.RunningItem{
			Item:      toQueuedItem(it),
			TaskID:    holder.TaskID,
			StartedAt: d.startedAt[it.Key],
		}
	}
	for k, s := range d.retryStates {
		state.Retry[k.String()] = toRetryRecord(*s)
	}
	d.mu.Unlock()

	for k, snap := range d.cfg.Retry.Breakers.Snapshot() {
		state.Breakers[k] = toBreakerRecord(snap)
	}
	for _, dl := range d.cfg.Retry.DeadLetters.List() {
		state.DeadLetters[dl.ID] = toDeadLetterRecord(dl)
	}

	if active, allowed, expiresAt := d.Maintenance(); active {
		types := make([]string, 0, len(allowed))
		for _, t := range allowed {
			types = append(types, string(t))
		}
		state.Maintenance = persistence.MaintenanceState{Active: true, AllowedTypes: types, ExpiresAt: expiresAt}
	}

	return state
}

func parseKey(s string) workitem.Key {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return workitem.Key{ItemID: s}
	}
	return workitem.Key{ProjectID: parts[0], ItemID: parts[1]}
}

func parseBreakerKey(s string) workitem.BreakerKey {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return workitem.BreakerKey{}
	}
	return workitem.BreakerKey{ProjectID: parts[0], Type: workitem.Type(parts[1])}
}

func toQueuedItem(item workitem.WorkItem) persistence.QueuedItem {
	return persistence.QueuedItem{
		ProjectID:   item.Key.ProjectID,
		ItemID:      item.Key.ItemID,
		Type:        string(item.Type),
		Priority:    item.Priority,
		Deadline:    item.Deadline,
		MaxRetries:  item.MaxRetries,
		CreatedAt:   item.CreatedAt,
		EnqueuedAt:  item.EnqueuedAt,
		NextRetryAt: item.NextRetryAt,
		Payload:     item.Payload,
	}
}

func fromQueuedItem(qi persistence.QueuedItem) workitem.WorkItem {
	return workitem.WorkItem{
		Key:         workitem.Key{ProjectID: qi.ProjectID, ItemID: qi.ItemID},
		Type:        workitem.Type(qi.Type),
		Priority:    qi.Priority,
		Deadline:    qi.Deadline,
		MaxRetries:  qi.MaxRetries,
		CreatedAt:   qi.CreatedAt,
		EnqueuedAt:  qi.EnqueuedAt,
		NextRetryAt: qi.NextRetryAt,
		Payload:     qi.Payload,
		Status:      workitem.StatusEnqueued,
	}
}

func toRetryRecord(s workitem.RetryState) persistence.RetryRecord {
	rec := persistence.RetryRecord{
		Attempts:       s.Attempts,
		FirstAttemptAt: s.FirstAttemptAt,
		LastErrorAt:    s.LastErrorAt,
		NextRetryAt:    s.NextRetryAt,
		Status:         string(s.Status),
	}
	for _, e := range s.Errors {
		rec.Errors = append(rec.Errors, persistence.AttemptRecord{At: e.At, Kind: string(e.Kind), Text: e.Text})
	}
	return rec
}

func fromRetryRecord(rec persistence.RetryRecord, key workitem.Key) *workitem.RetryState {
	state := &workitem.RetryState{
		Key:            key,
		Attempts:       rec.Attempts,
		FirstAttemptAt: rec.FirstAttemptAt,
		LastErrorAt:    rec.LastErrorAt,
		NextRetryAt:    rec.NextRetryAt,
		Status:         workitem.RetryStatus(rec.Status),
	}
	for _, e := range rec.Errors {
		state.Errors = append(state.Errors, workitem.AttemptRecord{At: e.At, Kind: workitem.ErrorKind(e.Kind), Text: e.Text})
	}
	return state
}

func toBreakerRecord(snap retry.BreakerSnapshot) persistence.BreakerRecord {
	return persistence.BreakerRecord{
		State:               string(snap.State),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		OpenedAt:            snap.OpenedAt,
	}
}

func toDeadLetterRecord(dl workitem.DeadLetter) persistence.DeadLetterRecord {
	return persistence.DeadLetterRecord{
		ID:         dl.ID,
		Item:       toQueuedItem(dl.Item),
		Reason:     string(dl.Reason),
		RetryState: toRetryRecord(dl.RetryState),
		Payload:    dl.Payload,
		CreatedAt:  dl.CreatedAt,
	}
}
