package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"labgate/internal/middleware"
	"labgate/internal/model"
	"labgate/internal/orchestrator"
)

// TunnelAccess is the slice of the gateway the REST surface needs to decide
// whether connection details may be handed out.
type TunnelAccess interface {
	AuthorizeAccess(sessionID, deviceID string) error
}

type RemoteAccessHandler struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      TunnelAccess

	// PublicHost is the address users connect to; forwarded ports live there.
	PublicHost string
}

type registerBody struct {
	DeviceID     string `json:"device_id"`
	GatewayID    string `json:"gateway_id"`
	PublicKey    string `json:"public_key"`
	Hostname     string `json:"hostname"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	OS           string `json:"os"`
	OSVersion    string `json:"os_version"`
	AgentVersion string `json:"agent_version"`
}

// Register is the agent's registration/refresh endpoint. The device identity
// in the body must match the device_auth token presented.
func (h *RemoteAccessHandler) Register(c *gin.Context) {
	deviceID, ok := middleware.DeviceIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}
	if body.DeviceID != deviceID {
		c.JSON(http.StatusForbidden, gin.H{"error": "device_id does not match token"})
		return
	}

	dev, created := h.Orchestrator.RegisterDevice(model.Device{
		ID:           body.DeviceID,
		GatewayID:    body.GatewayID,
		PublicKey:    body.PublicKey,
		Hostname:     body.Hostname,
		Manufacturer: body.Manufacturer,
		Model:        body.Model,
		OS:           body.OS,
		OSVersion:    body.OSVersion,
		AgentVersion: body.AgentVersion,
	})

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"created": created,
		"device":  h.deviceJSON(dev),
	})
}

func (h *RemoteAccessHandler) ListDevices(c *gin.Context) {
	devices := h.Orchestrator.ListDevices()
	resp := make([]gin.H, 0, len(devices))
	for _, dev := range devices {
		resp = append(resp, h.deviceJSON(dev))
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "devices": resp})
}

func (h *RemoteAccessHandler) GetDevice(c *gin.Context) {
	dev, ok := h.Orchestrator.GetDevice(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "device": h.deviceJSON(dev)})
}

func (h *RemoteAccessHandler) ListSessions(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions := h.Orchestrator.ListSessionsByUser(userID)
	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, h.sessionJSON(sess))
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "sessions": resp})
}

func (h *RemoteAccessHandler) GetSession(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess, found := h.Orchestrator.GetSession(c.Param("id"))
	if !found || sess.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "session": h.sessionJSON(sess)})
}

type startSessionBody struct {
	DeviceID string `json:"device_id"`
}

func (h *RemoteAccessHandler) StartSession(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body startSessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	sess, err := h.Orchestrator.StartSession(body.DeviceID, userID)
	switch err {
	case nil:
	case orchestrator.ErrDeviceNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	case orchestrator.ErrDeviceUnhealthy:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Device is not connected"})
		return
	case orchestrator.ErrNoTunnel:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Device has no live tunnel"})
		return
	case orchestrator.ErrSessionConflict:
		c.JSON(http.StatusConflict, gin.H{"error": "Device already has an active session"})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not start session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"session_id": sess.ID,
		"connection_info": gin.H{
			"host": h.PublicHost,
			"port": sess.RemotePort,
		},
	})
}

func (h *RemoteAccessHandler) EndSession(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	_, err := h.Orchestrator.EndSession(c.Param("session_id"), userID)
	switch err {
	case nil:
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	case orchestrator.ErrSessionNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case orchestrator.ErrNotSessionOwner:
		c.JSON(http.StatusForbidden, gin.H{"error": "Session belongs to another user"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not end session"})
	}
}

func (h *RemoteAccessHandler) deviceJSON(dev model.Device) gin.H {
	return gin.H{
		"device_id":         dev.ID,
		"gateway_id":        dev.GatewayID,
		"hostname":          dev.Hostname,
		"manufacturer":      dev.Manufacturer,
		"model":             dev.Model,
		"os":                dev.OS,
		"os_version":        dev.OSVersion,
		"agent_version":     dev.AgentVersion,
		"health_status":     dev.HealthStatus,
		"last_health_check": dev.LastHealth,
		"registered_at":     dev.RegisteredAt,
		"active_sessions":   h.Orchestrator.CountActiveSessions(dev.ID),
	}
}

// sessionJSON includes connection details only while the session is active
// and its tunnel is still live.
func (h *RemoteAccessHandler) sessionJSON(sess model.Session) gin.H {
	resp := gin.H{
		"session_id":  sess.ID,
		"device_id":   sess.DeviceID,
		"user_id":     sess.UserID,
		"status":      sess.Status,
		"start_time":  sess.StartTime,
		"end_time":    sess.EndTime,
		"remote_port": sess.RemotePort,
	}
	if h.Gateway.AuthorizeAccess(sess.ID, sess.DeviceID) == nil {
		resp["connection_info"] = gin.H{"host": h.PublicHost, "port": sess.RemotePort}
	}
	return resp
}
