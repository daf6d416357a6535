package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Hub       HubConfig
	Browser   BrowserConfig
	Docker    DockerConfig
	Recording RecordingConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        string `envconfig:"PORT" default:"8040"`
	Host        string `envconfig:"HOST" default:"0.0.0.0"`
	ContextPath string `envconfig:"EUS_CONTEXT_PATH" default:"/eus/v1"`
}

// HubConfig controls how browser backends are provisioned and reaped
type HubConfig struct {
	ContainerPrefix    string `envconfig:"EUS_CONTAINER_PREFIX" default:"eus-"`
	ContainerSuffix    string `envconfig:"HUB_CONTAINER_SUFFIX" default:"browser-"`
	ExposedPort        int    `envconfig:"HUB_EXPOSED_PORT" default:"4444"`
	VncExposedPort     int    `envconfig:"HUB_VNC_EXPOSED_PORT" default:"5900"`
	VncPassword        string `envconfig:"HUB_VNC_PASSWORD" default:"selenoid"`
	IdleTimeoutSec     int    `envconfig:"HUB_TIMEOUT" default:"60"`
	CreateTimeoutSec   int    `envconfig:"CREATE_SESSION_TIMEOUT_SEC" default:"60"`
	CreateRetries      int    `envconfig:"CREATE_SESSION_RETRIES" default:"3"`
	MaxSessions        int    `envconfig:"MAX_SESSIONS" default:"0"`
	LogMonitorInterval int    `envconfig:"LOG_MONITOR_INTERVAL_SEC" default:"0"`
}

// BrowserConfig holds browser container settings and the image catalog
type BrowserConfig struct {
	ShmSize          int64  `envconfig:"BROWSER_SHM_SIZE" default:"2147483648"`
	ScreenResolution string `envconfig:"BROWSER_SCREEN_RESOLUTION" default:"1440x1080x24"`
	CatalogFile      string `envconfig:"BROWSER_CATALOG_FILE"`
	ImageRepository  string `envconfig:"BROWSER_IMAGE_REPOSITORY" default:"elastestbrowsers"`
}

// DockerConfig holds container runtime settings
type DockerConfig struct {
	UseTorm        bool   `envconfig:"USE_TORM" default:"false"`
	Network        string `envconfig:"DOCKER_NETWORK" default:"elastest_elastest"`
	ServerIP       string `envconfig:"DOCKER_SERVER_IP"`
	WaitRetries    int    `envconfig:"DOCKER_WAIT_RETRIES" default:"40"`
	WaitIntervalMs int    `envconfig:"DOCKER_WAIT_INTERVAL_MS" default:"500"`
	PullOnStart    bool   `envconfig:"DOCKER_PULL_ON_START" default:"false"`
}

// RecordingConfig holds VNC sidecar and recording settings
type RecordingConfig struct {
	Enabled           bool   `envconfig:"RECORDING_ENABLED" default:"true"`
	NoVncImage        string `envconfig:"NOVNC_IMAGE" default:"elastest/eus-novnc"`
	NoVncExposedPort  int    `envconfig:"NOVNC_EXPOSED_PORT" default:"8080"`
	Path              string `envconfig:"RECORDINGS_PATH" default:"./recordings"`
	ContainerPath     string `envconfig:"RECORDING_CONTAINER_PATH" default:"/home/ubuntu/recordings"`
	Extension         string `envconfig:"RECORDING_EXTENSION" default:".mp4"`
	MetadataExtension string `envconfig:"METADATA_EXTENSION" default:".eus"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig limits session creation per client
type RateLimitConfig struct {
	PerHour int  `envconfig:"RATE_LIMIT_PER_HOUR" default:"600"`
	Burst   int  `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8040",
			Host:        "0.0.0.0",
			ContextPath: "/eus/v1",
		},
		Hub: HubConfig{
			ContainerPrefix:  "eus-",
			ContainerSuffix:  "browser-",
			ExposedPort:      4444,
			VncExposedPort:   5900,
			VncPassword:      "selenoid",
			IdleTimeoutSec:   60,
			CreateTimeoutSec: 60,
			CreateRetries:    3,
		},
		Browser: BrowserConfig{
			ShmSize:          2147483648,
			ScreenResolution: "1440x1080x24",
			ImageRepository:  "elastestbrowsers",
		},
		Docker: DockerConfig{
			Network:        "elastest_elastest",
			WaitRetries:    40,
			WaitIntervalMs: 500,
		},
		Recording: RecordingConfig{
			Enabled:           true,
			NoVncImage:        "elastest/eus-novnc",
			NoVncExposedPort:  8080,
			Path:              "./recordings",
			ContainerPath:     "/home/ubuntu/recordings",
			Extension:         ".mp4",
			MetadataExtension: ".eus",
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			PerHour: 600,
			Burst:   20,
			Enabled: true,
		},
	}
}

// Validate rejects values that would make the proxy misbehave
func (c *Config) Validate() error {
	if c.Hub.IdleTimeoutSec <= 0 {
		return fmt.Errorf("HUB_TIMEOUT must be positive, got %d", c.Hub.IdleTimeoutSec)
	}
	if c.Hub.CreateTimeoutSec <= 0 {
		return fmt.Errorf("CREATE_SESSION_TIMEOUT_SEC must be positive, got %d", c.Hub.CreateTimeoutSec)
	}
	if c.Hub.CreateRetries < 0 {
		return fmt.Errorf("CREATE_SESSION_RETRIES must not be negative, got %d", c.Hub.CreateRetries)
	}
	if c.Hub.MaxSessions < 0 {
		return fmt.Errorf("MAX_SESSIONS must not be negative, got %d", c.Hub.MaxSessions)
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// IdleTimeout is the per-session idle timeout
func (h HubConfig) IdleTimeout() time.Duration {
	return time.Duration(h.IdleTimeoutSec) * time.Second
}

// CreateTimeout bounds connect and read on the create exchange
func (h HubConfig) CreateTimeout() time.Duration {
	return time.Duration(h.CreateTimeoutSec) * time.Second
}

// LogMonitorEvery is the browser log polling period, zero when disabled
func (h HubConfig) LogMonitorEvery() time.Duration {
	return time.Duration(h.LogMonitorInterval) * time.Second
}

// WaitInterval is the pause between readiness probes
func (d DockerConfig) WaitInterval() time.Duration {
	return time.Duration(d.WaitIntervalMs) * time.Millisecond
}

// ContainerNetwork is the network browser containers join, empty for the default bridge
func (d DockerConfig) ContainerNetwork() string {
	if d.UseTorm {
		return d.Network
	}
	return ""
}
