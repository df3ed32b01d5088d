package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"DeviceBridge/internal/adapter"
	"DeviceBridge/internal/session"

	"github.com/sirupsen/logrus"
)

const (
	EnvPrefix = "DEVICEBRIDGE_"

	DefaultHTTPPort      = 7788
	DefaultDiscoveryPort = 47777
	DefaultQRTokenTTL    = 120
	defaultProbeTimeout  = 3000
)

var (
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrInvalidLogFormat = errors.New("log format must be text or json")
)

// AdapterConfig describes the helper command behind one resource.
type AdapterConfig struct {
	adapter.ProcessOptions
	// DeviceClass and DeviceMatch pick the route hint from gst-device-monitor output.
	DeviceClass string `json:"device_class"`
	DeviceMatch string `json:"device_match"`
	// StreamProbe checks RTSP reachability before starting.
	StreamProbe bool `json:"stream_probe"`
}

func (a AdapterConfig) Enabled() bool {
	return len(a.Command) > 0
}

// Config is the host configuration.
type Config struct {
	DisplayName          string                `json:"display_name"`
	ListenHost           string                `json:"listen_host"`
	HTTPPort             int                   `json:"http_port"`
	DiscoveryPort        int                   `json:"discovery_port"`
	AdvertiseAddress     string                `json:"advertise_address"`
	MDNS                 bool                  `json:"mdns"`
	QRTokenTTLSeconds    int                   `json:"qr_token_ttl_seconds"`
	StreamProbeTimeoutMS int                   `json:"stream_probe_timeout_ms"`
	StateFile            string                `json:"state_file"`
	LogLevel             string                `json:"log_level"`
	LogFormat            string                `json:"log_format"`
	Capabilities         session.ResourceFlags `json:"capabilities"`

	Camera     AdapterConfig `json:"camera"`
	Microphone AdapterConfig `json:"microphone"`
	Speaker    AdapterConfig `json:"speaker"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "DeviceBridge"
	}
	return Config{
		DisplayName:          name,
		ListenHost:           "0.0.0.0",
		HTTPPort:             DefaultHTTPPort,
		DiscoveryPort:        DefaultDiscoveryPort,
		MDNS:                 true,
		QRTokenTTLSeconds:    DefaultQRTokenTTL,
		StreamProbeTimeoutMS: defaultProbeTimeout,
		StateFile:            defaultStateFile(),
		LogLevel:             "info",
		LogFormat:            "text",
		Capabilities:         session.AllResources,
	}
}

func defaultStateFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "devicebridge-state.json"
	}
	return filepath.Join(dir, "devicebridge", "state.json")
}

// Load reads path (optional) over the defaults, then applies DEVICEBRIDGE_*
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("DISPLAY_NAME", &c.DisplayName)
	str("LISTEN_HOST", &c.ListenHost)
	str("ADVERTISE_ADDRESS", &c.AdvertiseAddress)
	str("STATE_FILE", &c.StateFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	for key, dst := range map[string]*int{
		"HTTP_PORT":               &c.HTTPPort,
		"DISCOVERY_PORT":          &c.DiscoveryPort,
		"QR_TOKEN_TTL_SECONDS":    &c.QRTokenTTLSeconds,
		"STREAM_PROBE_TIMEOUT_MS": &c.StreamProbeTimeoutMS,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "MDNS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sMDNS: %w", EnvPrefix, err)
		}
		c.MDNS = b
	}
	if v, ok := lookup(EnvPrefix + "CAPABILITIES"); ok {
		caps, err := ParseCapabilities(v)
		if err != nil {
			return err
		}
		c.Capabilities = caps
	}
	return nil
}

// ParseCapabilities reads a comma separated resource list such as "camera,speaker".
func ParseCapabilities(raw string) (session.ResourceFlags, error) {
	var caps session.ResourceFlags
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		r := session.Resource(part)
		switch r {
		case session.Camera, session.Microphone, session.Speaker:
			caps.Set(r, true)
		default:
			return session.ResourceFlags{}, fmt.Errorf("unknown capability %q", part)
		}
	}
	return caps, nil
}

func (c Config) Validate() error {
	for _, p := range []int{c.HTTPPort, c.DiscoveryPort} {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPort, p)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.LogFormat)
	}
	return nil
}

func (c Config) QRTokenTTL() time.Duration {
	return time.Duration(c.QRTokenTTLSeconds) * time.Second
}

func (c Config) StreamProbeTimeout() time.Duration {
	return time.Duration(c.StreamProbeTimeoutMS) * time.Millisecond
}

// Adapter returns the adapter settings for r.
func (c Config) Adapter(r session.Resource) AdapterConfig {
	switch r {
	case session.Camera:
		return c.Camera
	case session.Microphone:
		return c.Microphone
	case session.Speaker:
		return c.Speaker
	}
	return AdapterConfig{}
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
