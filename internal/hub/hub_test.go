package hub

import (
	"encoding/json"
	"testing"
)

type testWriter struct {
	writes   int
	fail     bool
	lastBody []byte
}

func (w *testWriter) Write(message []byte) error {
	w.writes++
	w.lastBody = message
	if w.fail {
		return errTest
	}
	return nil
}

func (w *testWriter) Close() error { return nil }

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "test" }

func TestHub_PublishReachesAllConnections(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	w2 := &testWriter{}
	c1 := &Connection{UserID: "u1", Writer: w1}
	c2 := &Connection{UserID: "u2", Writer: w2}

	h.Register(c1)
	h.Register(c2)
	h.Publish(EventDeviceHealth, map[string]string{"device_id": "d1"})

	if w1.writes != 1 || w2.writes != 1 {
		t.Fatalf("expected 1 write each, got %d/%d", w1.writes, w2.writes)
	}

	var e Event
	if err := json.Unmarshal(w1.lastBody, &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Type != EventDeviceHealth {
		t.Fatalf("expected %q, got %q", EventDeviceHealth, e.Type)
	}
	if e.Timestamp == 0 {
		t.Fatalf("expected timestamp to be set")
	}

	h.Unregister(c1)
	h.Publish(EventSessionStarted, nil)
	if w1.writes != 1 {
		t.Fatalf("expected no more writes after unregister, got %d", w1.writes)
	}
	if w2.writes != 2 {
		t.Fatalf("expected second write for remaining connection, got %d", w2.writes)
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New()
	w1 := &testWriter{fail: true}
	c1 := &Connection{UserID: "u", Writer: w1}
	h.Register(c1)

	h.Publish(EventSessionEnded, nil)
	h.Publish(EventSessionEnded, nil)
	if w1.writes != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", w1.writes)
	}
}
