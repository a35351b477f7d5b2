package config

import (
	"errors"
	"testing"
	"time"

	"pumpctl.org/internal/device"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != ":8080" || cfg.Transport != TransportMemory || cfg.TopicPrefix != "pump" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Grace != 5*time.Second || cfg.HeartbeatTTL != 30*time.Second || cfg.ProbeDelay != 500*time.Millisecond {
		t.Fatalf("unexpected presence defaults: %+v", cfg)
	}
	if len(cfg.KnownDevices) != 3 {
		t.Fatalf("expected three known devices, got %v", cfg.KnownDevices)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PUMPCTL_TRANSPORT", "NATS")
	t.Setenv("PUMPCTL_TOPIC_PREFIX", "farm")
	t.Setenv("PUMPCTL_ADMIN_EMAILS", " ops@example.com, ,root@example.com")
	t.Setenv("PUMPCTL_KNOWN_DEVICES", "Contact,SHEY")
	t.Setenv("PUMPCTL_GRACE", "2s")
	t.Setenv("PUMPCTL_PROBE_WAIT_SECONDS", "7")
	t.Setenv("PUMPCTL_CHUNK_SIZE", "1024")
	t.Setenv("PUMPCTL_AUTH_SECRET", "dev")

	cfg := Load()
	if cfg.Transport != TransportNATS || cfg.TopicPrefix != "farm" {
		t.Fatalf("unexpected transport settings: %+v", cfg)
	}
	if len(cfg.AdminEmails) != 2 || cfg.AdminEmails[1] != "root@example.com" {
		t.Fatalf("unexpected admin emails: %v", cfg.AdminEmails)
	}
	if cfg.Grace != 2*time.Second || cfg.ProbeWait != 7*time.Second || cfg.ChunkSize != 1024 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	sc := cfg.Session()
	if sc.Prefix != "farm" || sc.Presence.Grace != 2*time.Second || sc.ChunkSize != 1024 {
		t.Fatalf("unexpected session config: %+v", sc)
	}
	if len(sc.KnownDevices) != 2 || sc.KnownDevices[0] != device.ID("contact") || sc.KnownDevices[1] != "shey" {
		t.Fatalf("known devices not canonical: %v", sc.KnownDevices)
	}
}

func TestValidateRejects(t *testing.T) {
	base := Load()
	base.AuthSecret = "dev"

	cases := map[string]func(c *Config){
		"transport":      func(c *Config) { c.Transport = "kafka" },
		"prefix":         func(c *Config) { c.TopicPrefix = "pump/#" },
		"auth":           func(c *Config) { c.AuthSecret = "" },
		"qos":            func(c *Config) { c.MQTTQoS = 3 },
		"chunk size":     func(c *Config) { c.ChunkSize = 0 },
		"device":         func(c *Config) { c.KnownDevices = []string{"a/b"} },
		"status timeout": func(c *Config) { c.StatusTimeout = 0 },
		"initial wait":   func(c *Config) { c.InitialWait = -time.Second },
		"probe wait":     func(c *Config) { c.ProbeWait = 0 },
		"sweep interval": func(c *Config) { c.SweepInterval = 0 },
		"heartbeat ttl":  func(c *Config) { c.HeartbeatTTL = 0 },
		"negative grace": func(c *Config) { c.Grace = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			c.KnownDevices = append([]string(nil), base.KnownDevices...)
			mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
