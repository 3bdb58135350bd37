// Package notify pushes operator alerts through Shoutrrr: a lab device
// going dark, the forwarding port pool running hot. Alerts are advisory;
// failures are logged and never propagate.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
)

// Sender abstracts message dispatch so the notifier can be tested without
// hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// Notifier sends operator alerts with a per-topic cooldown so a flapping
// device cannot flood the channel. A Notifier with an empty URL is disabled
// and safe to call.
type Notifier struct {
	url      string
	cooldown time.Duration
	sender   Sender
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func New(shoutrrrURL string, cooldown time.Duration, sender Sender) *Notifier {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Notifier{
		url:      shoutrrrURL,
		cooldown: cooldown,
		sender:   sender,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// DeviceLost alerts that a device's tunnel is gone or its agent went silent.
func (n *Notifier) DeviceLost(deviceID, hostname string) {
	label := deviceID
	if hostname != "" {
		label = fmt.Sprintf("%s (%s)", hostname, deviceID)
	}
	n.send("device:"+deviceID, fmt.Sprintf("[labgate] Lost contact with device %s", label))
}

// PortPressure alerts that the forwarding port pool is nearly exhausted.
func (n *Notifier) PortPressure(used, capacity int) {
	n.send("ports", fmt.Sprintf("[labgate] Forwarding port pool at %d/%d", used, capacity))
}

func (n *Notifier) send(topic, message string) {
	if n.url == "" {
		return
	}

	n.mu.Lock()
	last, seen := n.lastSent[topic]
	now := n.now()
	if seen && n.cooldown > 0 && now.Sub(last) < n.cooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent[topic] = now
	n.mu.Unlock()

	// Shoutrrr sends are network calls; keep them off the sweep path.
	go func() {
		if err := n.sender.Send(n.url, message); err != nil {
			log.Printf("notify: send failed: %v", err)
		}
	}()
}
