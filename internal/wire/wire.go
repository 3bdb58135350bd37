// Package wire defines the frames exchanged on the tunnel control channel
// between a device agent and the gateway. All frames travel as JSON text
// messages over the control websocket; forwarded traffic travels as binary
// messages on per-stream data websockets.
package wire

// Frame types carried on the control channel.
const (
	TypeChallenge    = "challenge"     // gateway -> agent, carries Nonce
	TypeAttach       = "attach"        // agent -> gateway, tunnel request
	TypeAccepted     = "accepted"      // gateway -> agent, carries RemotePort
	TypeRejected     = "rejected"      // gateway -> agent, carries Reason
	TypeHeartbeat    = "heartbeat"     // agent -> gateway, carries Healthy
	TypeHeartbeatAck = "heartbeat_ack" // gateway -> agent
	TypeOpenStream   = "open_stream"   // gateway -> agent, carries StreamID
)

// Rejection reasons surfaced to the agent. AuthRejected reasons are fatal for
// the presented token; the rest are transient.
const (
	ReasonAuthRejected    = "auth_rejected"
	ReasonPortExhausted   = "port_exhausted"
	ReasonPortUnavailable = "port_unavailable"
	ReasonBadRequest      = "bad_request"
)

type Frame struct {
	Type string `json:"type"`

	// Challenge / attach handshake.
	Nonce     string `json:"nonce,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Port negotiation. RemotePort 0 in an attach frame requests automatic
	// allocation.
	LocalPort  int `json:"local_port,omitempty"`
	RemotePort int `json:"remote_port,omitempty"`

	// Heartbeats.
	Healthy bool `json:"healthy,omitempty"`

	// Stream plumbing.
	StreamID string `json:"stream_id,omitempty"`

	// Rejections.
	Reason string `json:"reason,omitempty"`
}
