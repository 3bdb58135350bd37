// Package health runs the periodic sweep that catches what the gateway's
// connection handling cannot: agents whose control channel is still open but
// silent, and devices whose records drifted out of step with tunnel reality.
package health

import (
	"context"
	"log"
	"time"

	"labgate/internal/hub"
	"labgate/internal/model"
	"labgate/internal/store"
)

// Gateway is the slice of the tunnel layer the monitor reads and prunes.
type Gateway interface {
	TunnelFor(deviceID string) (model.Tunnel, bool)
	Release(deviceID string)
	PortsInUse() (used, capacity int)
}

// Alerter receives operator notifications. Implementations must not block.
type Alerter interface {
	DeviceLost(deviceID, hostname string)
	PortPressure(used, capacity int)
}

type Publisher interface {
	Publish(eventType string, body interface{})
}

type Config struct {
	Interval      time.Duration
	MissThreshold int // heartbeats missed before a device counts as silent
}

type Monitor struct {
	cfg     Config
	store   *store.Store
	gateway Gateway
	events  Publisher
	alerter Alerter
	now     func() time.Time
}

func NewMonitor(cfg Config, st *store.Store, gw Gateway, events Publisher, alerter Alerter) *Monitor {
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 2
	}
	return &Monitor{
		cfg:     cfg,
		store:   st,
		gateway: gw,
		events:  events,
		alerter: alerter,
		now:     time.Now,
	}
}

// Run sweeps at the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep reconciles every device record against tunnel reality, then checks
// port-pool pressure.
func (m *Monitor) Sweep() {
	now := m.now()
	nowMillis := now.UnixMilli()
	staleAfter := time.Duration(m.cfg.MissThreshold) * m.cfg.Interval

	for _, dev := range m.store.ListDevices() {
		tun, live := m.gateway.TunnelFor(dev.ID)
		if !live {
			if dev.HealthStatus == model.HealthDisconnected {
				continue
			}
			m.markLost(dev, model.HealthDisconnected, nowMillis, "no live tunnel")
			continue
		}

		// LastHealth is zero until the first heartbeat; fall back to the
		// tunnel's establishment time so a mute agent still ages out.
		lastSeen := dev.LastHealth
		if lastSeen == 0 {
			lastSeen = tun.EstablishedAt
		}
		if nowMillis-lastSeen > staleAfter.Milliseconds() {
			m.gateway.Release(dev.ID)
			m.markLost(dev, model.HealthUnhealthy, nowMillis, "heartbeats stale")
		}
	}

	if used, capacity := m.gateway.PortsInUse(); capacity > 0 && used*10 >= capacity*9 {
		log.Printf("health: port pool pressure %d/%d", used, capacity)
		if m.alerter != nil {
			m.alerter.PortPressure(used, capacity)
		}
	}
}

func (m *Monitor) markLost(dev model.Device, status string, nowMillis int64, why string) {
	log.Printf("health: device %s -> %s (%s)", dev.ID, status, why)

	if updated, changed := m.store.SetDeviceHealth(dev.ID, status, nowMillis); changed {
		m.events.Publish(hub.EventDeviceHealth, updated)
	}
	if sess, failed := m.store.FailActiveSessionForDevice(dev.ID, nowMillis); failed {
		m.events.Publish(hub.EventSessionFailed, sess)
	}
	if m.alerter != nil {
		m.alerter.DeviceLost(dev.ID, dev.Hostname)
	}
}
