package server

import (
	"net/http"
	"testing"
	"time"

	"labgate/internal/config"
)

func TestNewHTTPServer(t *testing.T) {
	cfg := config.Config{Port: 4321, JWTSecretKey: "x"}
	srv := NewHTTPServer(cfg, http.NewServeMux())
	if srv.Addr != ":4321" {
		t.Fatalf("expected :4321, got %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("unexpected ReadHeaderTimeout")
	}
}

func TestNewTunnelServer(t *testing.T) {
	cfg := config.Config{TunnelPort: 2222, JWTSecretKey: "x"}
	srv := NewTunnelServer(cfg, http.NewServeMux())
	if srv.Addr != ":2222" {
		t.Fatalf("expected :2222, got %q", srv.Addr)
	}
}
