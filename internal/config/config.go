package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port       int
	TunnelPort int

	JWTSecretKey string
	GatewayID    string

	// PublicHost is the address handed to users in connection_info; the
	// forwarded ports bind on this host's interfaces.
	PublicHost string

	PortMin int
	PortMax int

	StateFile string

	HealthCheckInterval time.Duration
	HealthMissThreshold int

	ShoutrrrURL string

	GinMode     string
	TLSCertFile string
	TLSKeyFile  string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func Load() (Config, error) {
	return LoadFromEnv(osEnv{})
}

func LoadFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:                8000,
		TunnelPort:          2222,
		PublicHost:          "localhost",
		PortMin:             10000,
		PortMax:             10999,
		StateFile:           "labgate-state.json",
		HealthCheckInterval: 60 * time.Second,
		HealthMissThreshold: 2,
		GinMode:             "release",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("TUNNEL_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid TUNNEL_PORT")
		}
		cfg.TunnelPort = port
	}

	cfg.JWTSecretKey = env.Getenv("JWT_SECRET_KEY")
	if cfg.JWTSecretKey == "" {
		return Config{}, fmt.Errorf("JWT_SECRET_KEY is required")
	}

	cfg.GatewayID = env.Getenv("GATEWAY_ID")
	if cfg.GatewayID == "" {
		return Config{}, fmt.Errorf("GATEWAY_ID is required")
	}

	if raw := env.Getenv("PUBLIC_HOST"); raw != "" {
		cfg.PublicHost = raw
	}

	if raw := env.Getenv("PORT_MIN"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 65535 {
			return Config{}, fmt.Errorf("invalid PORT_MIN")
		}
		cfg.PortMin = v
	}

	if raw := env.Getenv("PORT_MAX"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 65535 {
			return Config{}, fmt.Errorf("invalid PORT_MAX")
		}
		cfg.PortMax = v
	}

	if cfg.PortMax < cfg.PortMin {
		return Config{}, fmt.Errorf("PORT_MAX must not be below PORT_MIN")
	}

	if raw := env.Getenv("STATE_FILE"); raw != "" {
		cfg.StateFile = raw
	}

	if raw := env.Getenv("HEALTH_CHECK_INTERVAL"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid HEALTH_CHECK_INTERVAL")
		}
		cfg.HealthCheckInterval = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("HEALTH_MISS_THRESHOLD"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return Config{}, fmt.Errorf("invalid HEALTH_MISS_THRESHOLD")
		}
		cfg.HealthMissThreshold = v
	}

	cfg.ShoutrrrURL = env.Getenv("SHOUTRRR_URL")

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	return cfg, nil
}
