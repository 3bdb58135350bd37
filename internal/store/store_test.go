package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"labgate/internal/model"
)

func now() int64 { return time.Now().UnixMilli() }

func TestRegisterDevice_CreateAndRefresh(t *testing.T) {
	s := New()

	dev, created := s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1", Hostname: "pixel-4"}, now())
	if !created {
		t.Fatalf("expected created")
	}
	if dev.HealthStatus != model.HealthDisconnected {
		t.Fatalf("new device should start disconnected, got %q", dev.HealthStatus)
	}

	dev, created = s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1", Hostname: "pixel-4a"}, now())
	if created {
		t.Fatalf("expected refresh, not create")
	}
	if dev.Hostname != "pixel-4a" {
		t.Fatalf("expected refreshed hostname, got %q", dev.Hostname)
	}
}

func TestRegisterDevice_KeepsPublicKeyOnRefreshWithoutOne(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1", PublicKey: "pk"}, now())
	dev, _ := s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())
	if dev.PublicKey != "pk" {
		t.Fatalf("expected public key kept, got %q", dev.PublicKey)
	}
}

func TestSetDeviceHealth(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())

	dev, changed := s.SetDeviceHealth("d1", model.HealthConnected, now())
	if !changed || dev.HealthStatus != model.HealthConnected {
		t.Fatalf("expected transition to connected")
	}

	_, changed = s.SetDeviceHealth("d1", model.HealthConnected, now())
	if changed {
		t.Fatalf("expected no change on same status")
	}

	if _, changed := s.SetDeviceHealth("missing", model.HealthConnected, now()); changed {
		t.Fatalf("expected no change for unknown device")
	}
}

func TestCreateSessionIfIdle_Exclusion(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())

	sess, ok := s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())
	if !ok {
		t.Fatalf("expected first session to be created")
	}
	if sess.Status != model.SessionActive {
		t.Fatalf("expected active, got %q", sess.Status)
	}

	if _, ok := s.CreateSessionIfIdle("d1", "u2", 5555, 10000, now()); ok {
		t.Fatalf("expected conflict while a session is active")
	}

	s.FinishSession(sess.ID, model.SessionEnded, now())

	if _, ok := s.CreateSessionIfIdle("d1", "u2", 5555, 10000, now()); !ok {
		t.Fatalf("expected session after previous one ended")
	}
}

func TestCreateSessionIfIdle_ConcurrentExactlyOneWins(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())

	const n = 16
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := s.CreateSessionIfIdle("d1", "u", 5555, 10000, now())
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestFinishSession_Idempotent(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())
	sess, _ := s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())

	_, changed, found := s.FinishSession(sess.ID, model.SessionEnded, now())
	if !found || !changed {
		t.Fatalf("expected first finish to change state")
	}

	got, changed, found := s.FinishSession(sess.ID, model.SessionEnded, now())
	if !found {
		t.Fatalf("expected session to be found")
	}
	if changed {
		t.Fatalf("expected second finish to be a no-op")
	}
	if got.Status != model.SessionEnded {
		t.Fatalf("terminal state must not change, got %q", got.Status)
	}

	if _, _, found := s.FinishSession("missing", model.SessionEnded, now()); found {
		t.Fatalf("expected not found")
	}
}

func TestFinishSession_TerminalStateNeverOverwritten(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())
	sess, _ := s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())

	s.FinishSession(sess.ID, model.SessionEnded, now())
	got, changed, _ := s.FinishSession(sess.ID, model.SessionFailed, now())
	if changed || got.Status != model.SessionEnded {
		t.Fatalf("ended session must not become failed")
	}
}

func TestFailActiveSessionForDevice(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())
	sess, _ := s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())

	failed, ok := s.FailActiveSessionForDevice("d1", now())
	if !ok || failed.ID != sess.ID || failed.Status != model.SessionFailed {
		t.Fatalf("expected active session failed, got %+v ok=%v", failed, ok)
	}

	if _, ok := s.FailActiveSessionForDevice("d1", now()); ok {
		t.Fatalf("expected nothing to fail on second call")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := NewWithOptions(Options{StateFile: path})
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1", Hostname: "host"}, now())
	s.SetDeviceHealth("d1", model.HealthConnected, now())
	active, _ := s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())
	s.RegisterDevice(model.Device{ID: "d2", GatewayID: "g1"}, now())
	ended, _ := s.CreateSessionIfIdle("d2", "u2", 5555, 10001, now())
	s.FinishSession(ended.ID, model.SessionEnded, now())

	reloaded := NewWithOptions(Options{StateFile: path})

	dev, ok := reloaded.GetDevice("d1")
	if !ok {
		t.Fatalf("expected d1 after reload")
	}
	if dev.HealthStatus != model.HealthDisconnected {
		t.Fatalf("reloaded devices must come back disconnected, got %q", dev.HealthStatus)
	}

	sess, ok := reloaded.GetSession(active.ID)
	if !ok {
		t.Fatalf("expected session after reload")
	}
	if sess.Status != model.SessionFailed {
		t.Fatalf("non-terminal sessions must be swept to failed on load, got %q", sess.Status)
	}

	sess, _ = reloaded.GetSession(ended.ID)
	if sess.Status != model.SessionEnded {
		t.Fatalf("terminal session must reload unchanged, got %q", sess.Status)
	}
}

func TestSnapshot_StaleWriteCannotRegressFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s := NewWithOptions(Options{StateFile: path})
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())

	// Hold back an older snapshot, let a newer mutation persist, then write
	// the stale one the way a slow goroutine would.
	s.mu.Lock()
	stale := s.snapshotLocked()
	s.mu.Unlock()

	s.RegisterDevice(model.Device{ID: "d2", GatewayID: "g1"}, now())
	s.persistSnapshot(stale)

	reloaded := NewWithOptions(Options{StateFile: path})
	if _, ok := reloaded.GetDevice("d2"); !ok {
		t.Fatalf("stale snapshot overwrote a newer one")
	}
}

func TestCountActiveSessions(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())
	if s.CountActiveSessions("d1") != 0 {
		t.Fatalf("expected 0")
	}
	sess, _ := s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())
	if s.CountActiveSessions("d1") != 1 {
		t.Fatalf("expected 1")
	}
	s.FinishSession(sess.ID, model.SessionEnded, now())
	if s.CountActiveSessions("d1") != 0 {
		t.Fatalf("expected 0 after end")
	}
}

func TestListSessionsByUser(t *testing.T) {
	s := New()
	s.RegisterDevice(model.Device{ID: "d1", GatewayID: "g1"}, now())
	s.RegisterDevice(model.Device{ID: "d2", GatewayID: "g1"}, now())
	s.CreateSessionIfIdle("d1", "u1", 5555, 10000, now())
	s.CreateSessionIfIdle("d2", "u2", 5555, 10001, now())

	if got := len(s.ListSessionsByUser("u1")); got != 1 {
		t.Fatalf("expected 1 session for u1, got %d", got)
	}
	if got := len(s.ListSessions()); got != 2 {
		t.Fatalf("expected 2 sessions total, got %d", got)
	}
}
