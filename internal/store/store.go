package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"labgate/internal/model"
)

// Store holds device and session records. Devices and sessions survive
// control-plane restarts through the JSON snapshot file; tunnels never do.
type Store struct {
	mu sync.RWMutex

	stateFile string
	seq       uint64 // guarded by mu, stamped on each snapshot

	persistMu     sync.Mutex
	lastPersisted uint64 // guarded by persistMu

	devicesByID  map[string]model.Device
	sessionsByID map[string]model.Session
}

type Options struct {
	StateFile string
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		devicesByID:  make(map[string]model.Device),
		sessionsByID: make(map[string]model.Session),
		stateFile:    opts.StateFile,
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			// Log and start empty; a corrupt snapshot must not keep the
			// control plane down.
			logLoadFailure(s.stateFile, err)
		}
	}

	return s
}

// RegisterDevice creates the device on first registration and refreshes its
// metadata afterwards. Registration alone never marks a device connected.
func (s *Store) RegisterDevice(dev model.Device, nowMillis int64) (model.Device, bool) {
	s.mu.Lock()

	existing, ok := s.devicesByID[dev.ID]
	if ok {
		existing.GatewayID = dev.GatewayID
		if dev.PublicKey != "" {
			existing.PublicKey = dev.PublicKey
		}
		existing.Hostname = dev.Hostname
		existing.Manufacturer = dev.Manufacturer
		existing.Model = dev.Model
		existing.OS = dev.OS
		existing.OSVersion = dev.OSVersion
		existing.AgentVersion = dev.AgentVersion
		existing.UpdatedAt = nowMillis
		s.devicesByID[dev.ID] = existing
		snapshot := s.snapshotLocked()
		s.mu.Unlock()
		s.persistSnapshot(snapshot)
		return existing, false
	}

	dev.HealthStatus = model.HealthDisconnected
	dev.RegisteredAt = nowMillis
	dev.UpdatedAt = nowMillis
	s.devicesByID[dev.ID] = dev
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot(snapshot)
	return dev, true
}

func (s *Store) GetDevice(deviceID string) (model.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devicesByID[deviceID]
	return dev, ok
}

func (s *Store) ListDevices() []model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Device, 0, len(s.devicesByID))
	for _, dev := range s.devicesByID {
		result = append(result, dev)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SetDeviceHealth transitions a device's health status. Returns the updated
// device and whether the status actually changed.
func (s *Store) SetDeviceHealth(deviceID, status string, nowMillis int64) (model.Device, bool) {
	s.mu.Lock()

	dev, ok := s.devicesByID[deviceID]
	if !ok || dev.HealthStatus == status {
		s.mu.Unlock()
		return dev, false
	}

	dev.HealthStatus = status
	dev.UpdatedAt = nowMillis
	s.devicesByID[deviceID] = dev
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot(snapshot)
	return dev, true
}

// RecordHeartbeat stamps the device's last health check time. Heartbeats are
// frequent, so they do not trigger a snapshot write.
func (s *Store) RecordHeartbeat(deviceID string, nowMillis int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devicesByID[deviceID]
	if !ok {
		return false
	}
	dev.LastHealth = nowMillis
	s.devicesByID[deviceID] = dev
	return true
}

// CreateSessionIfIdle atomically checks the one-active-session-per-device
// invariant and creates the session. The bool result is false when another
// non-terminal session already holds the device.
func (s *Store) CreateSessionIfIdle(deviceID, userID string, localPort, remotePort int, nowMillis int64) (model.Session, bool) {
	s.mu.Lock()

	for _, sess := range s.sessionsByID {
		if sess.DeviceID == deviceID && !sess.Terminal() {
			s.mu.Unlock()
			return model.Session{}, false
		}
	}

	sess := model.Session{
		ID:         uuid.NewString(),
		DeviceID:   deviceID,
		UserID:     userID,
		Status:     model.SessionActive,
		StartTime:  nowMillis,
		LocalPort:  localPort,
		RemotePort: remotePort,
	}
	s.sessionsByID[sess.ID] = sess
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot(snapshot)
	return sess, true
}

func (s *Store) GetSession(sessionID string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessionsByID[sessionID]
	return sess, ok
}

func (s *Store) ListSessions() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0, len(s.sessionsByID))
	for _, sess := range s.sessionsByID {
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime > result[j].StartTime })
	return result
}

func (s *Store) ListSessionsByUser(userID string) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0)
	for _, sess := range s.sessionsByID {
		if sess.UserID == userID {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime > result[j].StartTime })
	return result
}

// ActiveSessionForDevice returns the device's non-terminal session, if any.
func (s *Store) ActiveSessionForDevice(deviceID string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessionsByID {
		if sess.DeviceID == deviceID && !sess.Terminal() {
			return sess, true
		}
	}
	return model.Session{}, false
}

// CountActiveSessions counts non-terminal sessions for a device.
func (s *Store) CountActiveSessions(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessionsByID {
		if sess.DeviceID == deviceID && !sess.Terminal() {
			count++
		}
	}
	return count
}

// FinishSession moves a session into a terminal state. Terminal sessions are
// never mutated again: finishing one a second time reports changed=false,
// which callers treat as idempotent success.
func (s *Store) FinishSession(sessionID, status string, nowMillis int64) (sess model.Session, changed, found bool) {
	s.mu.Lock()

	sess, ok := s.sessionsByID[sessionID]
	if !ok {
		s.mu.Unlock()
		return model.Session{}, false, false
	}
	if sess.Terminal() {
		s.mu.Unlock()
		return sess, false, true
	}

	sess.Status = status
	sess.EndTime = nowMillis
	s.sessionsByID[sessionID] = sess
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.persistSnapshot(snapshot)
	return sess, true, true
}

// FailActiveSessionForDevice fails the device's non-terminal session, if one
// exists. Used on tunnel loss and health-driven disconnects.
func (s *Store) FailActiveSessionForDevice(deviceID string, nowMillis int64) (model.Session, bool) {
	s.mu.Lock()

	for id, sess := range s.sessionsByID {
		if sess.DeviceID == deviceID && !sess.Terminal() {
			sess.Status = model.SessionFailed
			sess.EndTime = nowMillis
			s.sessionsByID[id] = sess
			snapshot := s.snapshotLocked()
			s.mu.Unlock()
			s.persistSnapshot(snapshot)
			return sess, true
		}
	}
	s.mu.Unlock()
	return model.Session{}, false
}
