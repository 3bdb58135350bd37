package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"labgate/internal/config"
	"labgate/internal/gateway"
	"labgate/internal/health"
	"labgate/internal/hub"
	"labgate/internal/model"
	"labgate/internal/notify"
	"labgate/internal/orchestrator"
	"labgate/internal/server"
	"labgate/internal/store"
	"labgate/internal/token"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	st := store.NewWithOptions(store.Options{StateFile: cfg.StateFile})
	events := hub.New()
	tokens := token.Config{Secret: cfg.JWTSecretKey, Issuer: "labgate"}

	var orch *orchestrator.Orchestrator
	gw := gateway.New(gateway.Config{
		GatewayID: cfg.GatewayID,
		Tokens:    tokens,
		PortMin:   cfg.PortMin,
		PortMax:   cfg.PortMax,
	},
		func(deviceID string) (string, bool) { return orch.DevicePublicKey(deviceID) },
		func(sessionID string) (string, string, bool) { return orch.SessionBinding(sessionID) },
		gateway.Hooks{
			Connected:    func(tun model.Tunnel) { orch.HandleTunnelConnected(tun) },
			Disconnected: func(deviceID string) { orch.HandleTunnelDisconnected(deviceID) },
			Superseded:   func(deviceID string) { orch.HandleTunnelSuperseded(deviceID) },
			Heartbeat:    func(deviceID string, healthy bool) { orch.HandleHeartbeat(deviceID, healthy) },
		})
	orch = orchestrator.New(st, gw, events)

	alerter := notify.New(cfg.ShoutrrrURL, cfg.HealthCheckInterval*10, nil)
	monitor := health.NewMonitor(health.Config{
		Interval:      cfg.HealthCheckInterval,
		MissThreshold: cfg.HealthMissThreshold,
	}, st, gw, events, alerter)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		log.Printf("control plane listening on :%d", cfg.Port)
		errCh <- server.Run(cfg, server.NewRouter(server.Deps{
			Config:       cfg,
			Orchestrator: orch,
			Gateway:      gw,
			Hub:          events,
			Version:      version,
		}))
	}()
	go func() {
		log.Printf("tunnel gateway listening on :%d", cfg.TunnelPort)
		errCh <- server.RunTunnel(cfg, server.NewTunnelRouter(gw))
	}()

	select {
	case err := <-errCh:
		log.Fatal(err)
	case <-ctx.Done():
		log.Printf("shutting down")
		gw.Shutdown()
	}
}
