package agent

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the agent's environment, loaded from the process env with `.env`
// support. REMOTE_PORT is "auto" (0) unless the device owns a fixed port.
type Config struct {
	ServerURL string `validate:"required,url"`
	GatewayID string `validate:"required"`
	DeviceID  string `validate:"required"`
	AuthToken string `validate:"required"`

	// Tunnel listener address; defaults derive from SERVER_URL.
	TunnelHost string `validate:"required"`
	TunnelPort int    `validate:"min=1,max=65535"`
	TunnelTLS  bool

	LocalPort  int `validate:"min=1,max=65535"`
	RemotePort int `validate:"min=0,max=65535"`

	RetryInterval       time.Duration
	HealthCheckInterval time.Duration

	KeysDir string `validate:"required"`
}

func LoadConfig() (Config, error) {
	godotenv.Load()

	cfg := Config{
		ServerURL:           os.Getenv("SERVER_URL"),
		GatewayID:           os.Getenv("GATEWAY_ID"),
		DeviceID:            os.Getenv("DEVICE_ID"),
		AuthToken:           os.Getenv("AUTH_TOKEN"),
		TunnelHost:          os.Getenv("SSH_SERVER_HOST"),
		TunnelPort:          2222,
		LocalPort:           5555,
		RetryInterval:       30 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		KeysDir:             "keys",
	}

	parsed, err := url.Parse(cfg.ServerURL)
	if err != nil || parsed.Host == "" {
		return Config{}, fmt.Errorf("invalid SERVER_URL %q", cfg.ServerURL)
	}
	if cfg.TunnelHost == "" {
		cfg.TunnelHost = parsed.Hostname()
	}
	cfg.TunnelTLS = parsed.Scheme == "https"

	if raw := os.Getenv("SSH_SERVER_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid SSH_SERVER_PORT")
		}
		cfg.TunnelPort = port
	}

	if raw := os.Getenv("LOCAL_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid LOCAL_PORT")
		}
		cfg.LocalPort = port
	}

	if raw := os.Getenv("REMOTE_PORT"); raw != "" && !strings.EqualFold(raw, "auto") {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid REMOTE_PORT (number or \"auto\")")
		}
		cfg.RemotePort = port
	}

	if raw := os.Getenv("RETRY_INTERVAL"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid RETRY_INTERVAL")
		}
		cfg.RetryInterval = time.Duration(seconds) * time.Second
	}

	if raw := os.Getenv("HEALTH_CHECK_INTERVAL"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid HEALTH_CHECK_INTERVAL")
		}
		cfg.HealthCheckInterval = time.Duration(seconds) * time.Second
	}

	if raw := os.Getenv("KEYS_DIR"); raw != "" {
		cfg.KeysDir = raw
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("agent config: %w", err)
	}
	return cfg, nil
}

// tunnelURL builds the websocket URL for the given tunnel endpoint path.
func (c Config) tunnelURL(path string, query url.Values) string {
	scheme := "ws"
	if c.TunnelTLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", c.TunnelHost, c.TunnelPort),
		Path:     path,
		RawQuery: query.Encode(),
	}
	return u.String()
}
