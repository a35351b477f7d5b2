// Package config reads the pumpd settings from PUMPCTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pumpctl.org/internal/device"
	"pumpctl.org/internal/presence"
	"pumpctl.org/internal/session"
	"pumpctl.org/internal/transfer"
)

const envPrefix = "PUMPCTL_"

var ErrInvalid = errors.New("config: invalid")

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	Transport     string
	TopicPrefix   string
	MQTTURL       string
	MQTTUsername  string
	MQTTPassword  string
	MQTTQoS       int
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWKSURLs    string
	JWTIssuer   string
	JWTAudience string
	AuthSecret  string
	AdminEmails []string

	KnownDevices   []string
	Grace          time.Duration
	HeartbeatTTL   time.Duration
	SweepInterval  time.Duration
	InitialWait    time.Duration
	ProbeDelay     time.Duration
	ProbeWait      time.Duration
	StatusTimeout  time.Duration
	ChunkSize      int
	ChunkPace      time.Duration
	SessionIdleTTL time.Duration

	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64

	PostgresDSN string
}

func Load() Config {
	p := presence.DefaultConfig()
	return Config{
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		GRPCAddr: getenv("GRPC_ADDR", ":9090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		Transport:     strings.ToLower(getenv("TRANSPORT", TransportMemory)),
		TopicPrefix:   getenv("TOPIC_PREFIX", "pump"),
		MQTTURL:       getenv("MQTT_URL", "tcp://127.0.0.1:1883"),
		MQTTUsername:  getenv("MQTT_USERNAME", ""),
		MQTTPassword:  getenv("MQTT_PASSWORD", ""),
		MQTTQoS:       getenvInt("MQTT_QOS", 1),
		NATSURL:       getenv("NATS_URL", "nats://127.0.0.1:4222"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		JWKSURLs:    getenv("JWKS_URLS", ""),
		JWTIssuer:   getenv("JWT_ISSUER", ""),
		JWTAudience: getenv("JWT_AUDIENCE", ""),
		AuthSecret:  getenv("AUTH_SECRET", ""),
		AdminEmails: getenvList("ADMIN_EMAILS", nil),

		KnownDevices:   getenvList("KNOWN_DEVICES", []string{"contact", "shey", "yatoohussain786"}),
		Grace:          getenvDuration("GRACE", p.Grace),
		HeartbeatTTL:   getenvDuration("HEARTBEAT_TIMEOUT", p.Timeout),
		SweepInterval:  getenvDuration("SWEEP_INTERVAL", p.SweepInterval),
		InitialWait:    getenvDuration("INITIAL_WAIT", p.InitialWait),
		ProbeDelay:     getenvDuration("PROBE_DELAY", p.ProbeDelay),
		ProbeWait:      getenvDuration("PROBE_WAIT", p.ProbeWait),
		StatusTimeout:  getenvDuration("STATUS_TIMEOUT", 10*time.Second),
		ChunkSize:      getenvInt("CHUNK_SIZE", transfer.DefaultChunkSize),
		ChunkPace:      getenvDuration("CHUNK_PACE", transfer.DefaultPace),
		SessionIdleTTL: getenvDuration("SESSION_IDLE_TTL", 30*time.Minute),

		RateBurst:    getenvInt("RATE_BURST", 20),
		RatePerSec:   getenvInt("RATE_PER_SEC", 10),
		MaxBodyBytes: int64(getenvInt("MAX_BODY_BYTES", 8<<20)),

		PostgresDSN: getenv("PG_DSN", ""),
	}
}

// Validate reports settings pumpd cannot start with.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportMemory, TransportMQTT, TransportNATS, TransportRedis:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	prefix := strings.Trim(c.TopicPrefix, "/")
	if prefix == "" || strings.ContainsAny(prefix, "+#") {
		return fmt.Errorf("%w: topic prefix %q", ErrInvalid, c.TopicPrefix)
	}
	if c.JWKSURLs == "" && c.AuthSecret == "" {
		return fmt.Errorf("%w: either JWKS_URLS or AUTH_SECRET is required", ErrInvalid)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("%w: mqtt qos %d", ErrInvalid, c.MQTTQoS)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat ttl":  c.HeartbeatTTL,
		"sweep interval": c.SweepInterval,
		"initial wait":   c.InitialWait,
		"probe wait":     c.ProbeWait,
		"status timeout": c.StatusTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.Grace < 0 || c.ProbeDelay < 0 {
		return fmt.Errorf("%w: negative grace or probe delay", ErrInvalid)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrInvalid, c.ChunkSize)
	}
	if _, err := c.Devices(); err != nil {
		return err
	}
	return nil
}

// Devices canonicalizes the known device list.
func (c Config) Devices() ([]device.ID, error) {
	out := make([]device.ID, 0, len(c.KnownDevices))
	for _, raw := range c.KnownDevices {
		id, err := device.ParseID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: known device %q", ErrInvalid, raw)
		}
		out = append(out, id)
	}
	return out, nil
}

// Session builds the per-session protocol settings.
func (c Config) Session() session.Config {
	known, _ := c.Devices()
	return session.Config{
		Prefix: strings.Trim(c.TopicPrefix, "/"),
		Presence: presence.Config{
			Grace:         c.Grace,
			Timeout:       c.HeartbeatTTL,
			SweepInterval: c.SweepInterval,
			InitialWait:   c.InitialWait,
			ProbeDelay:    c.ProbeDelay,
			ProbeWait:     c.ProbeWait,
		},
		StatusTimeout: c.StatusTimeout,
		KnownDevices:  known,
		ChunkSize:     c.ChunkSize,
		ChunkPace:     c.ChunkPace,
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(envPrefix + key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(envPrefix + key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

// getenvList splits a comma separated value, dropping empty items.
func getenvList(key string, fallback []string) []string {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
