// Package agent is the device-side daemon: it registers the device with the
// control plane, keeps a reverse tunnel attached to the gateway, answers
// stream-open requests by bridging the local service port, and reconnects
// with backoff whenever anything drops.
package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"labgate/internal/wire"
)

// Version is reported in registration metadata.
var Version = "1.0.0"

const (
	handshakeTimeout = 10 * time.Second
	probeTimeout     = 5 * time.Second
	localDialTimeout = 10 * time.Second
	registerInterval = time.Hour
	maxMissedAcks    = 3
)

type Agent struct {
	cfg  Config
	key  ed25519.PrivateKey
	http *http.Client
}

func New(cfg Config) (*Agent, error) {
	key, err := LoadOrCreateKey(cfg.KeysDir)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:  cfg,
		key:  key,
		http: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Run keeps the agent alive until the context is cancelled: register, attach
// the tunnel, serve it until it drops, back off, repeat.
func (a *Agent) Run(ctx context.Context) error {
	backoff := NewBackoff(a.cfg.RetryInterval)

	for {
		if err := a.register(ctx); err != nil {
			log.Printf("agent: register failed: %v", err)
		} else if err := a.runTunnel(ctx, backoff); err != nil {
			log.Printf("agent: tunnel down: %v", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff.Next()
		log.Printf("agent: reconnecting in %s", delay.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type registerRequest struct {
	DeviceID     string `json:"device_id"`
	GatewayID    string `json:"gateway_id"`
	PublicKey    string `json:"public_key"`
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	OSVersion    string `json:"os_version,omitempty"`
	AgentVersion string `json:"agent_version"`
}

// register announces the device to the control plane. Called before every
// tunnel attach and hourly while attached, so metadata stays fresh.
func (a *Agent) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	body, err := json.Marshal(registerRequest{
		DeviceID:     a.cfg.DeviceID,
		GatewayID:    a.cfg.GatewayID,
		PublicKey:    PublicKeyB64(a.key),
		Hostname:     hostname,
		OS:           runtime.GOOS,
		AgentVersion: Version,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.ServerURL+"/api/remote-access/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: status %d", resp.StatusCode)
	}
	return nil
}

// runTunnel attaches the control channel and serves it until it drops.
func (a *Agent) runTunnel(ctx context.Context, backoff *Backoff) error {
	query := url.Values{}
	query.Set("token", a.cfg.AuthToken)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.tunnelURL("/connect", query), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("gateway rejected the auth token; install a fresh one")
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer ws.Close()

	remotePort, err := a.attach(ws)
	if err != nil {
		return err
	}
	log.Printf("agent: tunnel up, remote port %d -> local %d", remotePort, a.cfg.LocalPort)
	backoff.Reset()

	tunnelCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-tunnelCtx.Done()
		_ = ws.Close()
	}()

	var writeMu sync.Mutex
	var missedAcks int32

	go a.heartbeatLoop(tunnelCtx, ws, &writeMu, &missedAcks)
	go a.registerRefreshLoop(tunnelCtx)

	for {
		var frame wire.Frame
		if err := wire.ReadFrame(ws, &frame); err != nil {
			return fmt.Errorf("control channel closed: %w", err)
		}
		switch frame.Type {
		case wire.TypeHeartbeatAck:
			atomic.StoreInt32(&missedAcks, 0)
		case wire.TypeOpenStream:
			go a.openStream(tunnelCtx, frame.StreamID)
		}
	}
}

// attach runs the challenge/attach handshake.
func (a *Agent) attach(ws *websocket.Conn) (int, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var challenge wire.Frame
	if err := wire.ReadFrame(ws, &challenge); err != nil {
		return 0, fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type != wire.TypeChallenge {
		return 0, fmt.Errorf("unexpected frame %q during handshake", challenge.Type)
	}

	nonce, err := base64.StdEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		return 0, fmt.Errorf("bad challenge nonce: %w", err)
	}
	signature := base64.StdEncoding.EncodeToString(ed25519.Sign(a.key, nonce))

	if err := wire.WriteFrame(ws, nil, wire.Frame{
		Type:       wire.TypeAttach,
		DeviceID:   a.cfg.DeviceID,
		LocalPort:  a.cfg.LocalPort,
		RemotePort: a.cfg.RemotePort,
		Signature:  signature,
	}); err != nil {
		return 0, fmt.Errorf("send attach: %w", err)
	}

	var reply wire.Frame
	if err := wire.ReadFrame(ws, &reply); err != nil {
		return 0, fmt.Errorf("read attach reply: %w", err)
	}
	switch reply.Type {
	case wire.TypeAccepted:
		return reply.RemotePort, nil
	case wire.TypeRejected:
		return 0, fmt.Errorf("attach rejected: %s", reply.Reason)
	default:
		return 0, fmt.Errorf("unexpected frame %q during handshake", reply.Type)
	}
}

// heartbeatLoop probes the local service and reports health. Three
// consecutive unacked heartbeats tear the channel down.
func (a *Agent) heartbeatLoop(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex, missedAcks *int32) {
	ticker := time.NewTicker(a.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(missedAcks) >= maxMissedAcks {
				log.Printf("agent: %d heartbeats unacked, tearing tunnel down", maxMissedAcks)
				_ = ws.Close()
				return
			}

			healthy := a.probeLocal()
			if !healthy {
				log.Printf("agent: local service on port %d is not answering", a.cfg.LocalPort)
			}
			if err := wire.WriteFrame(ws, writeMu, wire.Frame{Type: wire.TypeHeartbeat, Healthy: healthy}); err != nil {
				return
			}
			atomic.AddInt32(missedAcks, 1)
		}
	}
}

func (a *Agent) registerRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(registerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.register(ctx); err != nil {
				log.Printf("agent: registration refresh failed: %v", err)
			}
		}
	}
}

func (a *Agent) probeLocal() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", a.cfg.LocalPort), probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// openStream answers a gateway open_stream request: dial the local service
// and a data websocket, then bridge them until either side closes.
func (a *Agent) openStream(ctx context.Context, streamID string) {
	local, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", a.cfg.LocalPort), localDialTimeout)
	if err != nil {
		log.Printf("agent: stream %s: local dial failed: %v", streamID, err)
		return
	}

	query := url.Values{}
	query.Set("token", a.cfg.AuthToken)
	query.Set("id", streamID)
	dataWS, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.tunnelURL("/stream", query), nil)
	if err != nil {
		log.Printf("agent: stream %s: data channel dial failed: %v", streamID, err)
		_ = local.Close()
		return
	}

	wire.Bridge(local, dataWS)
}
