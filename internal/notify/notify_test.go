package notify

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	sent     chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan string, 16)}
}

func (s *fakeSender) Send(url, message string) error {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()
	s.sent <- message
	return nil
}

func (s *fakeSender) waitOne(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no message sent")
		return ""
	}
}

func TestDeviceLost_SendsWithHostname(t *testing.T) {
	sender := newFakeSender()
	n := New("telegram://token@telegram?chats=1", time.Minute, sender)

	n.DeviceLost("device-1", "lab-rack-01")

	msg := sender.waitOne(t)
	if !strings.Contains(msg, "lab-rack-01") || !strings.Contains(msg, "device-1") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestCooldown_SuppressesRepeats(t *testing.T) {
	sender := newFakeSender()
	n := New("telegram://token@telegram?chats=1", time.Minute, sender)
	clock := time.Unix(1700000000, 0)
	n.now = func() time.Time { return clock }

	n.DeviceLost("device-1", "")
	sender.waitOne(t)

	// Within cooldown: suppressed, even for a different hostname string.
	n.DeviceLost("device-1", "lab-rack-01")
	select {
	case msg := <-sender.sent:
		t.Fatalf("expected suppression, got %q", msg)
	case <-time.After(100 * time.Millisecond):
	}

	// A different device is its own topic.
	n.DeviceLost("device-2", "")
	sender.waitOne(t)

	// After the cooldown the first device may alert again.
	clock = clock.Add(time.Minute + time.Second)
	n.DeviceLost("device-1", "")
	sender.waitOne(t)
}

func TestPortPressure(t *testing.T) {
	sender := newFakeSender()
	n := New("telegram://token@telegram?chats=1", time.Minute, sender)

	n.PortPressure(95, 100)

	msg := sender.waitOne(t)
	if !strings.Contains(msg, "95/100") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	sender := newFakeSender()
	n := New("", time.Minute, sender)

	n.DeviceLost("device-1", "")
	n.PortPressure(95, 100)

	select {
	case msg := <-sender.sent:
		t.Fatalf("disabled notifier sent %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
