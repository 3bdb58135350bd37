package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"labgate/internal/model"
	"labgate/internal/token"
	"labgate/internal/wire"
)

var (
	ErrNoTunnel     = errors.New("no live tunnel for device")
	ErrAccessDenied = errors.New("session is not active")
)

const (
	attachTimeout     = 10 * time.Second
	streamDialTimeout = 10 * time.Second
)

// DeviceKeyFunc resolves a device's registered ed25519 public key, if any.
type DeviceKeyFunc func(deviceID string) (publicKeyB64 string, ok bool)

// SessionFunc resolves a session's device binding and status for access
// authorization.
type SessionFunc func(sessionID string) (deviceID, status string, ok bool)

// Hooks let the control plane observe tunnel lifecycle without the gateway
// importing it.
type Hooks struct {
	Connected    func(t model.Tunnel)
	Disconnected func(deviceID string)
	// Superseded fires when a newer attach displaces a live tunnel. The
	// displaced link gets no Disconnected call; its ports are simply gone.
	Superseded func(deviceID string)
	Heartbeat  func(deviceID string, healthy bool)
}

type Config struct {
	GatewayID string
	BindHost  string // host for forwarded-port listeners, "" binds all
	Tokens    token.Config
	PortMin   int
	PortMax   int
}

// Gateway terminates agent control channels, owns the forwarding port pool,
// and bridges forwarded TCP connections onto per-stream data websockets.
type Gateway struct {
	cfg       Config
	alloc     *PortAllocator
	deviceKey DeviceKeyFunc
	session   SessionFunc
	hooks     Hooks

	mu      sync.Mutex
	links   map[string]*agentLink
	pending map[string]chan *websocket.Conn
}

// agentLink is one device's live control channel plus its forwarded-port
// listener.
type agentLink struct {
	deviceID string
	tunnel   model.Tunnel
	ws       *websocket.Conn
	listener net.Listener

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg Config, deviceKey DeviceKeyFunc, session SessionFunc, hooks Hooks) *Gateway {
	return &Gateway{
		cfg:       cfg,
		alloc:     NewPortAllocator(cfg.PortMin, cfg.PortMax),
		deviceKey: deviceKey,
		session:   session,
		hooks:     hooks,
		links:     make(map[string]*agentLink),
		pending:   make(map[string]chan *websocket.Conn),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleConnect is the agent's control-channel endpoint. Token validation
// happens before the upgrade so a bad token surfaces as a plain 401; the
// challenge/attach handshake happens on the socket.
func (g *Gateway) HandleConnect(c *gin.Context) {
	claims, err := token.VerifyDeviceToken(c.Query("token"), g.cfg.GatewayID, g.cfg.Tokens)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	link, err := g.accept(ws, claims)
	if err != nil {
		_ = ws.Close()
		return
	}

	go g.readLoop(link)
	go g.acceptLoop(link)
}

// accept runs the challenge/attach handshake and binds the forwarded port.
func (g *Gateway) accept(ws *websocket.Conn, claims *token.DeviceClaims) (*agentLink, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, err
	}
	nonce := base64.StdEncoding.EncodeToString(nonceBytes)

	if err := wire.WriteFrame(ws, nil, wire.Frame{Type: wire.TypeChallenge, Nonce: nonce}); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(attachTimeout))
	var attach wire.Frame
	if err := wire.ReadFrame(ws, &attach); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Time{})

	if attach.Type != wire.TypeAttach || attach.DeviceID != claims.DeviceID || attach.LocalPort <= 0 {
		wire.WriteFrame(ws, nil, wire.Frame{Type: wire.TypeRejected, Reason: wire.ReasonBadRequest})
		return nil, errors.New("malformed attach")
	}

	if publicKey, ok := g.deviceKey(claims.DeviceID); ok && publicKey != "" {
		if err := token.VerifyAttachSignature(publicKey, nonce, attach.Signature); err != nil {
			log.Printf("tunnel: attach signature rejected for %s: %v", claims.DeviceID, err)
			wire.WriteFrame(ws, nil, wire.Frame{Type: wire.TypeRejected, Reason: wire.ReasonAuthRejected})
			return nil, err
		}
	}

	// A dangling agent process may still hold a tunnel for this device. Tear
	// it down now so a fixed-port re-attach can reclaim its port, and tell
	// the control plane: a session riding the old tunnel has lost its port.
	if g.detach(claims.DeviceID) {
		log.Printf("tunnel: superseding earlier tunnel for %s", claims.DeviceID)
		if g.hooks.Superseded != nil {
			g.hooks.Superseded(claims.DeviceID)
		}
	}

	port, reason, err := g.bindPort(attach.RemotePort)
	if err != nil {
		wire.WriteFrame(ws, nil, wire.Frame{Type: wire.TypeRejected, Reason: reason})
		return nil, err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.cfg.BindHost, port))
	if err != nil {
		g.alloc.Release(port)
		wire.WriteFrame(ws, nil, wire.Frame{Type: wire.TypeRejected, Reason: wire.ReasonPortUnavailable})
		return nil, err
	}

	link := &agentLink{
		deviceID: claims.DeviceID,
		tunnel: model.Tunnel{
			DeviceID:      claims.DeviceID,
			RemotePort:    port,
			LocalPort:     attach.LocalPort,
			EstablishedAt: time.Now().UnixMilli(),
		},
		ws:       ws,
		listener: listener,
		closed:   make(chan struct{}),
	}

	// Swap under the lock so two racing attaches for the same device cannot
	// both land in the map; the loser is torn down here, not orphaned.
	g.mu.Lock()
	displaced := g.links[claims.DeviceID]
	g.links[claims.DeviceID] = link
	g.mu.Unlock()

	if displaced != nil {
		displaced.teardown(g.alloc)
		if g.hooks.Superseded != nil {
			g.hooks.Superseded(claims.DeviceID)
		}
	}

	// Report the device connected before the agent hears accepted, so a
	// session start racing the handshake never sees a half-connected device.
	if g.hooks.Connected != nil {
		g.hooks.Connected(link.tunnel)
	}

	if err := wire.WriteFrame(ws, &link.writeMu, wire.Frame{Type: wire.TypeAccepted, RemotePort: port}); err != nil {
		g.releaseLink(link)
		return nil, err
	}

	log.Printf("tunnel: accepted %s on port %d (local %d)", claims.DeviceID, port, attach.LocalPort)
	return link, nil
}

func (g *Gateway) bindPort(requested int) (port int, reason string, err error) {
	if requested > 0 {
		if err := g.alloc.Claim(requested); err != nil {
			return 0, wire.ReasonPortUnavailable, err
		}
		return requested, "", nil
	}
	port, err = g.alloc.Allocate()
	if err != nil {
		log.Printf("tunnel: %v", err)
		return 0, wire.ReasonPortExhausted, err
	}
	return port, "", nil
}

// readLoop consumes control frames until the channel drops, then releases
// the tunnel.
func (g *Gateway) readLoop(link *agentLink) {
	for {
		var frame wire.Frame
		if err := wire.ReadFrame(link.ws, &frame); err != nil {
			break
		}
		if frame.Type == wire.TypeHeartbeat {
			_ = wire.WriteFrame(link.ws, &link.writeMu, wire.Frame{Type: wire.TypeHeartbeatAck})
			if g.hooks.Heartbeat != nil {
				g.hooks.Heartbeat(link.deviceID, frame.Healthy)
			}
		}
	}
	g.releaseLink(link)
}

// acceptLoop forwards each TCP connection on the device's port through a
// fresh data stream.
func (g *Gateway) acceptLoop(link *agentLink) {
	for {
		conn, err := link.listener.Accept()
		if err != nil {
			return
		}
		go g.serveStream(link, conn)
	}
}

func (g *Gateway) serveStream(link *agentLink, conn net.Conn) {
	streamID := uuid.NewString()
	ch := make(chan *websocket.Conn, 1)

	g.mu.Lock()
	g.pending[streamID] = ch
	g.mu.Unlock()

	cleanup := func() {
		g.mu.Lock()
		delete(g.pending, streamID)
		g.mu.Unlock()
	}

	if err := wire.WriteFrame(link.ws, &link.writeMu, wire.Frame{Type: wire.TypeOpenStream, StreamID: streamID}); err != nil {
		cleanup()
		_ = conn.Close()
		return
	}

	select {
	case dataWS := <-ch:
		cleanup()
		wire.Bridge(conn, dataWS)
	case <-time.After(streamDialTimeout):
		cleanup()
		log.Printf("tunnel: stream %s for %s timed out", streamID, link.deviceID)
		_ = conn.Close()
	case <-link.closed:
		cleanup()
		_ = conn.Close()
	}
}

// HandleStream is the agent's data-channel endpoint: one websocket per
// forwarded TCP connection.
func (g *Gateway) HandleStream(c *gin.Context) {
	if _, err := token.VerifyDeviceToken(c.Query("token"), g.cfg.GatewayID, g.cfg.Tokens); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	streamID := c.Query("id")
	g.mu.Lock()
	ch, ok := g.pending[streamID]
	g.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown stream"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	select {
	case ch <- ws:
	default:
		// Duplicate dial for the same stream id.
		_ = ws.Close()
	}
}

// Release tears down the device's tunnel, if one is live: closes the control
// channel and listener and frees the port.
func (g *Gateway) Release(deviceID string) {
	g.detach(deviceID)
}

// detach removes and tears down the device's current link without firing the
// Disconnected hook. Reports whether a live link was displaced.
func (g *Gateway) detach(deviceID string) bool {
	g.mu.Lock()
	link, ok := g.links[deviceID]
	if ok {
		delete(g.links, deviceID)
	}
	g.mu.Unlock()

	if ok {
		link.teardown(g.alloc)
	}
	return ok
}

// releaseLink releases only if the link is still the device's current one,
// so a superseded tunnel cannot tear down its successor.
func (g *Gateway) releaseLink(link *agentLink) {
	g.mu.Lock()
	current := g.links[link.deviceID] == link
	if current {
		delete(g.links, link.deviceID)
	}
	g.mu.Unlock()

	link.teardown(g.alloc)
	if current {
		log.Printf("tunnel: released %s (port %d)", link.deviceID, link.tunnel.RemotePort)
		if g.hooks.Disconnected != nil {
			g.hooks.Disconnected(link.deviceID)
		}
	}
}

func (l *agentLink) teardown(alloc *PortAllocator) {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.listener.Close()
		_ = l.ws.Close()
		alloc.Release(l.tunnel.RemotePort)
	})
}

// TunnelFor reports the device's live tunnel.
func (g *Gateway) TunnelFor(deviceID string) (model.Tunnel, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	link, ok := g.links[deviceID]
	if !ok {
		return model.Tunnel{}, false
	}
	return link.tunnel, true
}

// PortsInUse reports pool pressure for monitoring.
func (g *Gateway) PortsInUse() (used, capacity int) {
	return g.alloc.InUse(), g.cfg.PortMax - g.cfg.PortMin + 1
}

// AuthorizeAccess grants connection-info exposure only when the session is
// active and a live tunnel exists for its device.
func (g *Gateway) AuthorizeAccess(sessionID, deviceID string) error {
	if _, ok := g.TunnelFor(deviceID); !ok {
		return ErrNoTunnel
	}
	sessDevice, status, ok := g.session(sessionID)
	if !ok || sessDevice != deviceID || status != model.SessionActive {
		return ErrAccessDenied
	}
	return nil
}

// Shutdown releases every live tunnel.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	links := make([]*agentLink, 0, len(g.links))
	for _, link := range g.links {
		links = append(links, link)
	}
	g.links = make(map[string]*agentLink)
	g.mu.Unlock()

	for _, link := range links {
		link.teardown(g.alloc)
	}
}
