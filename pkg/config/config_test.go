package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/sink"
)

const sample = `
sip:
  listen_addr: "0.0.0.0:5061"
  local_ip: "192.168.1.10"
  realm: "3402000000"
  strict_realm: true
  charset: UTF-8
registrar:
  queue_size: 50
  workers: 2
  idle_wait: 5s
media:
  port_start: 30000
  port_end: 30100
  sink_dir: /tmp/gb
  sink_format: mediaframe
devices:
  - id: "34020000001320000001"
    name: "Камера 1"
    password: secret
  - id: "34020000001320000002"
    remote_id: "34020000001310000002"
logging:
  level: debug
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5061", cfg.SIP.ListenAddr)
	assert.Equal(t, "udp", cfg.SIP.Transport, "значение по умолчанию сохраняется")
	assert.Equal(t, DefaultServerID, cfg.SIP.ServerID)
	assert.Equal(t, 5*time.Second, cfg.Registrar.IdleWait)
	assert.Equal(t, 30, cfg.Registrar.MinExpiry)
	assert.Len(t, cfg.Devices, 2)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, sink.FormatMediaFrame, cfg.SinkFormat())
	assert.Equal(t, "192.168.1.10:5061", cfg.LocalAddr())

	sig := cfg.Signaling()
	assert.Equal(t, 50, sig.QueueSize)
	assert.Equal(t, 2, sig.Workers)
	assert.True(t, sig.StrictRealm)
	assert.Equal(t, protocol.CharsetUTF8, sig.Charset)
	assert.Equal(t, 30000, sig.MediaPortStart)
	assert.Equal(t, 30100, sig.MediaPortEnd)

	sess := cfg.Session()
	assert.Equal(t, "192.168.1.10", sess.LocalIP)
	assert.Equal(t, DefaultServerID, sess.LocalID)
	assert.Equal(t, "3402000000", sess.Realm)

	accounts := cfg.Accounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, "secret", accounts[0].Password)
	assert.Equal(t, "34020000001310000002", accounts[1].RemoteID)
	assert.Equal(t, DefaultServerID, accounts[1].LocalID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "", cfg.LocalAddr())
	assert.Equal(t, protocol.CharsetGB18030, cfg.Charset())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port range", func(c *Config) { c.Media.PortStart, c.Media.PortEnd = 30000, 30000 }},
		{"expiry below minimum", func(c *Config) { c.Registrar.Expiry = 10 }},
		{"unknown charset", func(c *Config) { c.SIP.Charset = "KOI8-R" }},
		{"strict realm without realm", func(c *Config) { c.SIP.StrictRealm = true }},
		{"bad transport", func(c *Config) { c.SIP.Transport = "sctp" }},
		{"bad listen addr", func(c *Config) { c.SIP.ListenAddr = "5060" }},
		{"bad local ip", func(c *Config) { c.SIP.LocalIP = "gateway" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad sink format", func(c *Config) { c.Media.SinkFormat = "mp4" }},
		{"empty sink dir", func(c *Config) { c.Media.SinkDir = "" }},
		{"zero workers", func(c *Config) { c.Registrar.Workers = 0 }},
		{"short device id", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "3402"}}
		}},
		{"duplicate device", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "34020000001320000001"}, {ID: "34020000001320000001"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("media:\n  port_start: 40000\n  port_end: 30000\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("sip: [unclosed"))
	assert.Error(t, err)
}

func TestCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = []DeviceConfig{{ID: "34020000001320000001"}}
	cfg.API.AllowedOrigins = []string{"http://localhost"}

	cp := cfg.Copy()
	cp.Devices[0].Name = "changed"
	cp.API.AllowedOrigins[0] = "http://other"

	assert.Empty(t, cfg.Devices[0].Name)
	assert.Equal(t, "http://localhost", cfg.API.AllowedOrigins[0])
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "gateway.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 2)
	assert.Equal(t, protocol.CharsetGB18030, cfg.Charset())
	assert.Equal(t, sink.FormatES, cfg.SinkFormat())
}
