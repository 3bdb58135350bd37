package model

// Health status values for a device. The gateway's acceptance of a tunnel is
// the only thing that moves a device to HealthConnected; agents never declare
// it themselves.
const (
	HealthConnected    = "connected"
	HealthDisconnected = "disconnected"
	HealthUnhealthy    = "unhealthy"
)

// Session status values. Ended and Failed are terminal.
const (
	SessionPending = "pending"
	SessionActive  = "active"
	SessionEnded   = "ended"
	SessionFailed  = "failed"
)

type Device struct {
	ID           string `json:"device_id"`
	GatewayID    string `json:"gateway_id"`
	PublicKey    string `json:"public_key,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	OS           string `json:"os,omitempty"`
	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	HealthStatus string `json:"health_status"`
	LastHealth   int64  `json:"last_health_check"` // unix millis, 0 = never
	RegisteredAt int64  `json:"registered_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

type Session struct {
	ID         string `json:"session_id"`
	DeviceID   string `json:"device_id"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time,omitempty"`
	LocalPort  int    `json:"local_port"`
	RemotePort int    `json:"remote_port"`
}

// Terminal reports whether the session can no longer change state.
func (s Session) Terminal() bool {
	return s.Status == SessionEnded || s.Status == SessionFailed
}

// Tunnel is the ephemeral binding of a device to a forwarded port. Tunnels
// live only in gateway memory and are never persisted; agents re-establish
// them through their reconnect loop after a gateway restart.
type Tunnel struct {
	DeviceID      string
	RemotePort    int
	LocalPort     int
	EstablishedAt int64
}
