// Package orchestrator owns the session state machine and the device
// lifecycle rules that sit above the raw stores: who may start a session,
// when a session fails, and what the rest of the system gets told about it.
package orchestrator

import (
	"errors"
	"log"
	"sync"
	"time"

	"labgate/internal/hub"
	"labgate/internal/model"
	"labgate/internal/store"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDeviceUnhealthy = errors.New("device is not connected")
	ErrNoTunnel        = errors.New("device has no live tunnel")
	ErrSessionConflict = errors.New("device already has an active session")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotSessionOwner = errors.New("session belongs to another user")
)

// TunnelGateway is the slice of the gateway the orchestrator needs: live
// tunnel lookup for session preconditions. Tunnel teardown stays with the
// gateway and the health monitor.
type TunnelGateway interface {
	TunnelFor(deviceID string) (model.Tunnel, bool)
}

// Publisher pushes lifecycle events to dashboard clients.
type Publisher interface {
	Publish(eventType string, body interface{})
}

type Orchestrator struct {
	store   *store.Store
	gateway TunnelGateway
	events  Publisher
	now     func() time.Time

	mu        sync.Mutex
	deviceMus map[string]*sync.Mutex
}

func New(st *store.Store, gw TunnelGateway, events Publisher) *Orchestrator {
	return &Orchestrator{
		store:     st,
		gateway:   gw,
		events:    events,
		now:       time.Now,
		deviceMus: make(map[string]*sync.Mutex),
	}
}

// deviceLock serializes lifecycle decisions per device so the precondition
// checks in StartSession cannot interleave with a concurrent teardown.
func (o *Orchestrator) deviceLock(deviceID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	mu, ok := o.deviceMus[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		o.deviceMus[deviceID] = mu
	}
	return mu
}

// RegisterDevice upserts the device record. A fresh registration is
// broadcast; metadata refreshes are not.
func (o *Orchestrator) RegisterDevice(dev model.Device) (model.Device, bool) {
	saved, created := o.store.RegisterDevice(dev, o.now().UnixMilli())
	if created {
		log.Printf("orchestrator: registered device %s (%s)", saved.ID, saved.Hostname)
		o.events.Publish(hub.EventDeviceRegistered, saved)
	}
	return saved, created
}

// StartSession creates an active session for the device if every
// precondition holds: the device is known, its health is connected, it has a
// live tunnel, and no other non-terminal session holds it.
func (o *Orchestrator) StartSession(deviceID, userID string) (model.Session, error) {
	mu := o.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	dev, ok := o.store.GetDevice(deviceID)
	if !ok {
		return model.Session{}, ErrDeviceNotFound
	}
	if dev.HealthStatus != model.HealthConnected {
		return model.Session{}, ErrDeviceUnhealthy
	}
	tun, ok := o.gateway.TunnelFor(deviceID)
	if !ok {
		return model.Session{}, ErrNoTunnel
	}

	sess, ok := o.store.CreateSessionIfIdle(deviceID, userID, tun.LocalPort, tun.RemotePort, o.now().UnixMilli())
	if !ok {
		return model.Session{}, ErrSessionConflict
	}

	log.Printf("orchestrator: session %s started on %s by %s", sess.ID, deviceID, userID)
	o.events.Publish(hub.EventSessionStarted, sess)
	return sess, nil
}

// EndSession finishes the caller's session. Ending an already-terminal
// session is idempotent success; ending someone else's is forbidden. A
// system caller passes userID "" to bypass the ownership check.
func (o *Orchestrator) EndSession(sessionID, userID string) (model.Session, error) {
	sess, ok := o.store.GetSession(sessionID)
	if !ok {
		return model.Session{}, ErrSessionNotFound
	}
	if userID != "" && sess.UserID != userID {
		return model.Session{}, ErrNotSessionOwner
	}

	sess, changed, found := o.store.FinishSession(sessionID, model.SessionEnded, o.now().UnixMilli())
	if !found {
		return model.Session{}, ErrSessionNotFound
	}
	if changed {
		log.Printf("orchestrator: session %s ended", sessionID)
		o.events.Publish(hub.EventSessionEnded, sess)
	}
	return sess, nil
}

// FailActiveSession fails whatever non-terminal session holds the device.
// Safe to call when there is none.
func (o *Orchestrator) FailActiveSession(deviceID, reason string) {
	sess, failed := o.store.FailActiveSessionForDevice(deviceID, o.now().UnixMilli())
	if failed {
		log.Printf("orchestrator: session %s failed (%s)", sess.ID, reason)
		o.events.Publish(hub.EventSessionFailed, sess)
	}
}

func (o *Orchestrator) GetDevice(deviceID string) (model.Device, bool) {
	return o.store.GetDevice(deviceID)
}

func (o *Orchestrator) ListDevices() []model.Device {
	return o.store.ListDevices()
}

func (o *Orchestrator) GetSession(sessionID string) (model.Session, bool) {
	return o.store.GetSession(sessionID)
}

func (o *Orchestrator) ListSessions() []model.Session {
	return o.store.ListSessions()
}

func (o *Orchestrator) ListSessionsByUser(userID string) []model.Session {
	return o.store.ListSessionsByUser(userID)
}

func (o *Orchestrator) CountActiveSessions(deviceID string) int {
	return o.store.CountActiveSessions(deviceID)
}

// SessionBinding backs the gateway's access authorization: session to device
// binding plus current status.
func (o *Orchestrator) SessionBinding(sessionID string) (deviceID, status string, ok bool) {
	sess, found := o.store.GetSession(sessionID)
	if !found {
		return "", "", false
	}
	return sess.DeviceID, sess.Status, true
}

// DevicePublicKey backs the gateway's attach signature check.
func (o *Orchestrator) DevicePublicKey(deviceID string) (string, bool) {
	dev, ok := o.store.GetDevice(deviceID)
	if !ok || dev.PublicKey == "" {
		return "", false
	}
	return dev.PublicKey, true
}

// HandleTunnelConnected is wired to the gateway's Connected hook. A live
// tunnel is the only path to HealthConnected.
func (o *Orchestrator) HandleTunnelConnected(tun model.Tunnel) {
	now := o.now().UnixMilli()
	o.store.RecordHeartbeat(tun.DeviceID, now)
	if dev, changed := o.store.SetDeviceHealth(tun.DeviceID, model.HealthConnected, now); changed {
		o.events.Publish(hub.EventDeviceHealth, dev)
	}
}

// HandleTunnelDisconnected is wired to the gateway's Disconnected hook. The
// tunnel is gone, so the device drops to disconnected and any session riding
// the tunnel fails.
func (o *Orchestrator) HandleTunnelDisconnected(deviceID string) {
	mu := o.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	if dev, changed := o.store.SetDeviceHealth(deviceID, model.HealthDisconnected, o.now().UnixMilli()); changed {
		o.events.Publish(hub.EventDeviceHealth, dev)
	}
	o.FailActiveSession(deviceID, "tunnel lost")
}

// HandleTunnelSuperseded is wired to the gateway's Superseded hook. A newer
// registration displaced the device's tunnel, so a session riding the old one
// is pointing at a dead port and must fail. The device itself stays up; the
// Connected hook for the new tunnel follows immediately.
func (o *Orchestrator) HandleTunnelSuperseded(deviceID string) {
	mu := o.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	o.FailActiveSession(deviceID, "tunnel superseded")
}

// HandleHeartbeat is wired to the gateway's Heartbeat hook. An unhealthy
// report from the agent demotes the device without tearing the tunnel down;
// a healthy one restores it.
func (o *Orchestrator) HandleHeartbeat(deviceID string, healthy bool) {
	now := o.now().UnixMilli()
	o.store.RecordHeartbeat(deviceID, now)

	status := model.HealthConnected
	if !healthy {
		status = model.HealthUnhealthy
	}
	if dev, changed := o.store.SetDeviceHealth(deviceID, status, now); changed {
		o.events.Publish(hub.EventDeviceHealth, dev)
	}
}
