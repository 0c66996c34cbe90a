// Package config loads the on-disk JSON configuration for the relay
// binaries, following cppla-moto's setting.go pattern: a JSON file whose
// path can be overridden by an environment variable, loaded once at
// startup and validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// EnvPathServer overrides the default server config file path.
const EnvPathServer = "TRABAS_SERVER_CONFIG"

// EnvPathClient overrides the default client config file path.
const EnvPathClient = "TRABAS_CLIENT_CONFIG"

// StorageConfig selects and parameterizes the storage backing.
type StorageConfig struct {
	Backend  string `json:"backend"` // "memory" or "redis"
	RedisURL string `json:"redis_url,omitempty"`
}

// ServerConfig is the on-disk configuration for cmd/trabas-server.
type ServerConfig struct {
	PublicAddr          string        `json:"public_addr"`
	TunnelAddr          string        `json:"tunnel_addr"`
	SharedSecret        string        `json:"shared_secret"`
	ServerVersion       string        `json:"server_version"`
	MinClientVersion    string        `json:"min_client_version"`
	PublicEndpoints     []string      `json:"public_endpoints,omitempty"`
	MaxTunnelsPerClient int           `json:"max_tunnels_per_client,omitempty"`
	ClientRequestLimit  int           `json:"client_request_limit,omitempty"`
	Storage             StorageConfig `json:"storage"`
	MetricsAddr         string        `json:"metrics_addr,omitempty"`
	DiagnosticsAddr     string        `json:"diagnostics_addr,omitempty"`
	LogLevel            string        `json:"log_level,omitempty"`
	LogFile             string        `json:"log_file,omitempty"`
	TLSCertFile         string        `json:"tls_cert_file,omitempty"`
	TLSKeyFile          string        `json:"tls_key_file,omitempty"`
}

func (c *ServerConfig) verify() error {
	if c.PublicAddr == "" {
		return fmt.Errorf("public_addr is required")
	}
	if c.TunnelAddr == "" {
		return fmt.Errorf("tunnel_addr is required")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("shared_secret is required")
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "1.0.0"
	}
	if c.MinClientVersion == "" {
		c.MinClientVersion = "1.0.0"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisURL == "" {
		return fmt.Errorf("storage.redis_url is required when storage.backend is \"redis\"")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// ClientConfig is the on-disk configuration for cmd/trabas-client.
type ClientConfig struct {
	ServerAddr   string `json:"server_addr"`
	ServerUseTLS bool   `json:"server_use_tls,omitempty"`
	ClientID     string `json:"client_id"`
	SharedSecret string `json:"shared_secret"`
	ClVersion    string `json:"cl_version"`
	MinSvVersion string `json:"min_sv_version"`
	OriginAddr   string `json:"origin_addr"`
	OriginUseTLS bool   `json:"origin_use_tls,omitempty"`
	OriginCACert string `json:"origin_ca_cert,omitempty"`
	LogLevel     string `json:"log_level,omitempty"`
	LogFile      string `json:"log_file,omitempty"`
}

func (c *ClientConfig) verify() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server_addr is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("shared_secret is required")
	}
	if c.OriginAddr == "" {
		return fmt.Errorf("origin_addr is required")
	}
	if c.ClVersion == "" {
		c.ClVersion = "1.0.0"
	}
	if c.MinSvVersion == "" {
		c.MinSvVersion = "1.0.0"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// LoadServer reads and validates a ServerConfig from path, or from
// EnvPathServer/the supplied default when path is empty.
func LoadServer(path string) (*ServerConfig, error) {
	if path == "" {
		path = envOr(EnvPathServer, "config/server.json")
	}
	var cfg ServerConfig
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadClient reads and validates a ClientConfig from path, or from
// EnvPathClient/the supplied default when path is empty.
func LoadClient(path string) (*ClientConfig, error) {
	if path == "" {
		path = envOr(EnvPathClient, "config/client.json")
	}
	var cfg ClientConfig
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.verify(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func envOr(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func loadJSON(path string, v interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
