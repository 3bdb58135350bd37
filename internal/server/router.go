package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"labgate/internal/config"
	"labgate/internal/gateway"
	"labgate/internal/handler"
	"labgate/internal/hub"
	"labgate/internal/middleware"
	"labgate/internal/orchestrator"
	"labgate/internal/token"
)

type Deps struct {
	Config       config.Config
	Orchestrator *orchestrator.Orchestrator
	Gateway      *gateway.Gateway
	Hub          *hub.Hub
	Version      string
}

// NewRouter builds the control-plane surface: agent registration, the
// device/session REST API and the dashboard push channel.
func NewRouter(deps Deps) *gin.Engine {
	tokens := token.Config{Secret: deps.Config.JWTSecretKey}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	ra := &handler.RemoteAccessHandler{
		Orchestrator: deps.Orchestrator,
		Gateway:      deps.Gateway,
		PublicHost:   deps.Config.PublicHost,
	}
	versionHandler := &handler.VersionHandler{Version: deps.Version}
	wsHandler := &handler.WebSocketHandler{Hub: deps.Hub, TokenConfig: tokens}

	api := r.Group("/api/remote-access")
	api.GET("/version", versionHandler.Get)
	api.GET("/ws", wsHandler.Serve)
	api.POST("/register", middleware.RequireDeviceAuth(deps.Config.GatewayID, tokens), ra.Register)

	protected := api.Group("")
	protected.Use(middleware.RequireUserAuth(tokens))
	protected.GET("/devices", ra.ListDevices)
	protected.GET("/devices/:id", ra.GetDevice)
	protected.GET("/sessions", ra.ListSessions)
	protected.GET("/sessions/:id", ra.GetSession)

	startLimiter := middleware.NewRateLimiter(10, time.Minute)
	protected.POST("/session/start", middleware.RateLimitMiddleware(startLimiter), ra.StartSession)
	protected.POST("/session/end/:session_id", ra.EndSession)

	return r
}

// NewTunnelRouter builds the agent-facing surface served on the tunnel port.
func NewTunnelRouter(gw *gateway.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/connect", gw.HandleConnect)
	r.GET("/stream", gw.HandleStream)

	return r
}
