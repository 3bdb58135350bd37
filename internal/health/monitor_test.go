package health

import (
	"sync"
	"testing"
	"time"

	"labgate/internal/hub"
	"labgate/internal/model"
	"labgate/internal/store"
)

type fakeGateway struct {
	mu       sync.Mutex
	tunnels  map[string]model.Tunnel
	released []string
	used     int
	capacity int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{tunnels: make(map[string]model.Tunnel), capacity: 100}
}

func (g *fakeGateway) TunnelFor(deviceID string) (model.Tunnel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tun, ok := g.tunnels[deviceID]
	return tun, ok
}

func (g *fakeGateway) Release(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tunnels, deviceID)
	g.released = append(g.released, deviceID)
}

func (g *fakeGateway) PortsInUse() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used, g.capacity
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Publish(eventType string, body interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type alertRecorder struct {
	mu       sync.Mutex
	lost     []string
	pressure int
}

func (a *alertRecorder) DeviceLost(deviceID, hostname string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lost = append(a.lost, deviceID)
}

func (a *alertRecorder) PortPressure(used, capacity int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pressure++
}

func newTestMonitor() (*Monitor, *store.Store, *fakeGateway, *eventRecorder, *alertRecorder, *time.Time) {
	st := store.New()
	gw := newFakeGateway()
	events := &eventRecorder{}
	alerts := &alertRecorder{}
	m := NewMonitor(Config{Interval: time.Minute, MissThreshold: 2}, st, gw, events, alerts)

	clock := time.Unix(1700000000, 0)
	m.now = func() time.Time { return clock }
	return m, st, gw, events, alerts, &clock
}

// connect registers a device, gives it a tunnel and marks it connected.
func connect(st *store.Store, gw *fakeGateway, deviceID string, nowMillis int64) {
	st.RegisterDevice(model.Device{ID: deviceID, GatewayID: "gw-test", Hostname: deviceID + ".lab"}, nowMillis)
	st.SetDeviceHealth(deviceID, model.HealthConnected, nowMillis)
	st.RecordHeartbeat(deviceID, nowMillis)
	gw.mu.Lock()
	gw.tunnels[deviceID] = model.Tunnel{DeviceID: deviceID, RemotePort: 10022, LocalPort: 22, EstablishedAt: nowMillis}
	gw.mu.Unlock()
}

func TestSweep_FreshDeviceUntouched(t *testing.T) {
	m, st, gw, events, alerts, clock := newTestMonitor()
	connect(st, gw, "device-1", clock.UnixMilli())

	m.Sweep()

	dev, _ := st.GetDevice("device-1")
	if dev.HealthStatus != model.HealthConnected {
		t.Fatalf("expected connected, got %q", dev.HealthStatus)
	}
	if events.count(hub.EventDeviceHealth) != 0 || len(alerts.lost) != 0 {
		t.Fatalf("fresh device must not trigger events or alerts")
	}
}

func TestSweep_StaleHeartbeatsReleaseTunnel(t *testing.T) {
	m, st, gw, events, alerts, clock := newTestMonitor()
	connect(st, gw, "device-1", clock.UnixMilli())
	st.CreateSessionIfIdle("device-1", "user-1", 22, 10022, clock.UnixMilli())

	// Two missed heartbeat windows and a bit.
	*clock = clock.Add(2*time.Minute + time.Second)
	m.Sweep()

	dev, _ := st.GetDevice("device-1")
	if dev.HealthStatus != model.HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %q", dev.HealthStatus)
	}
	if len(gw.released) != 1 || gw.released[0] != "device-1" {
		t.Fatalf("expected tunnel release, got %v", gw.released)
	}
	sess, _ := st.ActiveSessionForDevice("device-1")
	if sess.ID != "" {
		t.Fatalf("expected no active session after sweep")
	}
	if events.count(hub.EventSessionFailed) != 1 {
		t.Fatalf("expected session_failed event")
	}
	if len(alerts.lost) != 1 {
		t.Fatalf("expected device-lost alert, got %v", alerts.lost)
	}
}

func TestSweep_MissingTunnelDisconnects(t *testing.T) {
	m, st, gw, events, _, clock := newTestMonitor()
	connect(st, gw, "device-1", clock.UnixMilli())
	gw.Release("device-1")

	m.Sweep()

	dev, _ := st.GetDevice("device-1")
	if dev.HealthStatus != model.HealthDisconnected {
		t.Fatalf("expected disconnected, got %q", dev.HealthStatus)
	}
	if events.count(hub.EventDeviceHealth) != 1 {
		t.Fatalf("expected health event")
	}
}

func TestSweep_DisconnectedDeviceStaysQuiet(t *testing.T) {
	m, st, _, events, alerts, clock := newTestMonitor()
	st.RegisterDevice(model.Device{ID: "device-1", GatewayID: "gw-test"}, clock.UnixMilli())

	m.Sweep()
	m.Sweep()

	if events.count(hub.EventDeviceHealth) != 0 || len(alerts.lost) != 0 {
		t.Fatalf("registered-but-never-connected device must not alert")
	}
}

func TestSweep_MuteAgentAgesOutFromEstablishment(t *testing.T) {
	m, st, gw, _, _, clock := newTestMonitor()
	st.RegisterDevice(model.Device{ID: "device-1", GatewayID: "gw-test"}, clock.UnixMilli())
	st.SetDeviceHealth("device-1", model.HealthConnected, clock.UnixMilli())
	// Tunnel up but not a single heartbeat ever.
	gw.tunnels["device-1"] = model.Tunnel{DeviceID: "device-1", RemotePort: 10022, EstablishedAt: clock.UnixMilli()}

	*clock = clock.Add(2*time.Minute + time.Second)
	m.Sweep()

	dev, _ := st.GetDevice("device-1")
	if dev.HealthStatus != model.HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %q", dev.HealthStatus)
	}
}

func TestSweep_PortPressureAlert(t *testing.T) {
	m, _, gw, _, alerts, _ := newTestMonitor()
	gw.used, gw.capacity = 95, 100

	m.Sweep()

	if alerts.pressure != 1 {
		t.Fatalf("expected port pressure alert, got %d", alerts.pressure)
	}
}
