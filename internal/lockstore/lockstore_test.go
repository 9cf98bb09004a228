package lockstore

import (
	"testing"
	"time"

	"github.com/poppobuilder/dispatchd/internal/workitem"
)

func testKey() workitem.Key {
	return workitem.Key{ProjectID: "acme/widgets", ItemID: "42"}
}

func newTestStore(t *testing.T, now func() time.Time, probe PIDProber) *Store {
	t.Helper()
	opts := []Option{}
	if now != nil {
		opts = append(opts, WithClock(now))
	}
	if probe != nil {
		opts = append(opts, WithPIDProber(probe))
	}
	s, err := New(t.TempDir(), "test-host", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAcquireRelease(t *testing.T) {
	s := newTestStore(t, nil, nil)
	key := testKey()
	holder := workitem.Holder{PID: 1111, Host: "test-host", SessionID: "s1"}

	lock, err := s.Acquire(key, holder, time.Minute, 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock.ItemKey != key {
		t.Fatalf("lock key = %v, want %v", lock.ItemKey, key)
	}

	ok, err := s.Release(key, holder)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !ok {
		t.Fatal("Release returned false for owned lock")
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active locks after release, got %d", len(active))
	}
}

func TestAcquireContention(t *testing.T) {
	// Treat every PID as live so holderA's lock is not reclaimed as stale.
	s := newTestStore(t, nil, func(int) bool { return true })
	key := testKey()
	holderA := workitem.Holder{PID: 1111, Host: "test-host", SessionID: "a"}
	holderB := workitem.Holder{PID: 2222, Host: "test-host", SessionID: "b"}

	if _, err := s.Acquire(key, holderA, time.Minute, 3); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err := s.Acquire(key, holderB, time.Minute, 0)
	if err == nil {
		t.Fatal("expected contention error, got nil")
	}
	var held *HeldError
	if !asHeldError(err, &held) {
		t.Fatalf("expected *HeldError, got %T: %v", err, err)
	}
	if held.Lock.Holder != holderA {
		t.Fatalf("held lock holder = %v, want %v", held.Lock.Holder, holderA)
	}
}

func asHeldError(err error, target **HeldError) bool {
	he, ok := err.(*HeldError)
	if ok {
		*target = he
	}
	return ok
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	clockTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clockTime }
	s := newTestStore(t, now, nil)
	key := testKey()
	holderA := workitem.Holder{PID: 1111, Host: "test-host", SessionID: "a"}
	holderB := workitem.Holder{PID: 2222, Host: "test-host", SessionID: "b"}

	if _, err := s.Acquire(key, holderA, time.Second, 3); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	clockTime = clockTime.Add(time.Hour) // advance past TTL

	lock, err := s.Acquire(key, holderB, time.Minute, 3)
	if err != nil {
		t.Fatalf("Acquire over expired lock: %v", err)
	}
	if lock.Holder != holderB {
		t.Fatalf("lock holder = %v, want %v", lock.Holder, holderB)
	}
}

func TestAcquireReclaimsDeadPIDOnSameHost(t *testing.T) {
	s := newTestStore(t, nil, func(pid int) bool { return pid != 1111 })
	key := testKey()
	holderA := workitem.Holder{PID: 1111, Host: "test-host", SessionID: "a"}
	holderB := workitem.Holder{PID: 2222, Host: "test-host", SessionID: "b"}

	if _, err := s.Acquire(key, holderA, time.Hour, 3); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	lock, err := s.Acquire(key, holderB, time.Minute, 3)
	if err != nil {
		t.Fatalf("Acquire over dead-pid lock: %v", err)
	}
	if lock.Holder != holderB {
		t.Fatalf("lock holder = %v, want %v", lock.Holder, holderB)
	}
}

func TestAcquireDoesNotReclaimLiveRemoteHost(t *testing.T) {
	// A lock held by a PID on a different host must never be considered
	// stale on PID grounds alone, since we cannot probe a remote host.
	s := newTestStore(t, nil, func(pid int) bool { return false })
	key := testKey()
	holderA := workitem.Holder{PID: 1111, Host: "other-host", SessionID: "a"}
	holderB := workitem.Holder{PID: 2222, Host: "test-host", SessionID: "b"}

	if _, err := s.Acquire(key, holderA, time.Hour, 3); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err := s.Acquire(key, holderB, time.Minute, 0)
	if err == nil {
		t.Fatal("expected remote-host lock to remain valid, got no error")
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	clockTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clockTime }
	s := newTestStore(t, now, func(int) bool { return true })
	key := testKey()
	holder := workitem.Holder{PID: 1111, Host: "test-host", SessionID: "a"}

	lock, err := s.Acquire(key, holder, time.Second, 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ok, err := s.Renew(key, holder, time.Hour)
	if err != nil || !ok {
		t.Fatalf("Renew: ok=%v err=%v", ok, err)
	}

	clockTime = clockTime.Add(2 * time.Second) // past the original TTL, not the renewed one

	if !s.IsLockValid(key) {
		t.Fatal("expected renewed lock to remain valid")
	}
	_ = lock
}

func TestRenewRefusesNonOwner(t *testing.T) {
	s := newTestStore(t, nil, nil)
	key := testKey()
	holder := workitem.Holder{PID: 1111, Host: "test-host", SessionID: "a"}
	other := workitem.Holder{PID: 2222, Host: "test-host", SessionID: "b"}

	if _, err := s.Acquire(key, holder, time.Minute, 3); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ok, err := s.Renew(key, other, time.Hour)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if ok {
		t.Fatal("Renew succeeded for non-owner")
	}
}

func TestReleaseAllByPID(t *testing.T) {
	s := newTestStore(t, nil, func(int) bool { return true })
	keyA := workitem.Key{ProjectID: "acme/widgets", ItemID: "1"}
	keyB := workitem.Key{ProjectID: "acme/widgets", ItemID: "2"}
	holderSame := workitem.Holder{PID: 9000, Host: "test-host", SessionID: "s"}
	holderOther := workitem.Holder{PID: 9001, Host: "test-host", SessionID: "t"}

	if _, err := s.Acquire(keyA, holderSame, time.Minute, 3); err != nil {
		t.Fatalf("Acquire A: %v", err)
	}
	if _, err := s.Acquire(keyB, holderOther, time.Minute, 3); err != nil {
		t.Fatalf("Acquire B: %v", err)
	}

	if err := s.ReleaseAll(9000); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}

	active, err := s.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ItemKey != keyB {
		t.Fatalf("expected only keyB to remain, got %v", active)
	}
}

func TestJitteredBackoffBounds(t *testing.T) {
	base := 10 * time.Millisecond
	max := 200 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		d := JitteredBackoff(attempt, base, max)
		if d < 0 {
			t.Fatalf("attempt %d: negative backoff %v", attempt, d)
		}
		if d > max+max/2 {
			t.Fatalf("attempt %d: backoff %v exceeds cap+jitter bound", attempt, d)
		}
	}
}
