// Package config loads the gateway configuration from a YAML file.
//
// The loaded Config is treated as immutable: constructors receive copies of
// the sections they need, converted into the package specific structures.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/psdemux"
	"github.com/arzzra/gb_gateway/pkg/session"
	"github.com/arzzra/gb_gateway/pkg/signaling"
	"github.com/arzzra/gb_gateway/pkg/sink"
)

var (
	validate *validator.Validate

	// идентификаторы устройств и шлюза: 20 цифр
	deviceIDRegex = regexp.MustCompile(`^[0-9]{20}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return deviceIDRegex.MatchString(fl.Field().String())
	})
}

// DefaultServerID идентификатор шлюза по умолчанию
const DefaultServerID = "34020000002000000001"

// Config конфигурация шлюза
type Config struct {
	SIP       SIPConfig       `yaml:"sip"`
	Registrar RegistrarConfig `yaml:"registrar"`
	Media     MediaConfig     `yaml:"media"`
	Devices   []DeviceConfig  `yaml:"devices" validate:"dive"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SIPConfig параметры сигнализации
type SIPConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
	Transport  string `yaml:"transport" validate:"oneof=udp tcp"`
	// LocalIP адрес шлюза, который видят устройства. Пустой: адрес, на который пришел запрос.
	LocalIP     string `yaml:"local_ip" validate:"omitempty,ip"`
	Realm       string `yaml:"realm"`
	StrictRealm bool   `yaml:"strict_realm"`
	UserAgent   string `yaml:"user_agent" validate:"required"`
	// ServerID идентификатор шлюза в заголовке From исходящих запросов
	ServerID string `yaml:"server_id" validate:"required,deviceid"`
	// Charset кодировка XML тел: UTF-8 или GB18030
	Charset string `yaml:"charset"`
}

// RegistrarConfig параметры очереди REGISTER
type RegistrarConfig struct {
	QueueSize int           `yaml:"queue_size" validate:"min=1"`
	Workers   int           `yaml:"workers" validate:"min=1"`
	IdleWait  time.Duration `yaml:"idle_wait" validate:"min=100ms"`
	MinExpiry int           `yaml:"min_expiry" validate:"min=1"`
	Expiry    int           `yaml:"expiry" validate:"min=1"`
}

// MediaConfig параметры приема медиа
type MediaConfig struct {
	PortStart         int    `yaml:"port_start" validate:"min=1024,max=65534"`
	PortEnd           int    `yaml:"port_end" validate:"min=1025,max=65535"`
	MaxDemuxBuffer    int    `yaml:"max_demux_buffer" validate:"min=0"`
	ReceiveBufferSize int    `yaml:"receive_buffer_size" validate:"min=0"`
	SinkDir           string `yaml:"sink_dir" validate:"required"`
	SinkFormat        string `yaml:"sink_format" validate:"omitempty,oneof=es mediaframe"`
}

// DeviceConfig устройство, которому разрешена регистрация
type DeviceConfig struct {
	ID       string `yaml:"id" validate:"required,deviceid"`
	Name     string `yaml:"name"`
	Domain   string `yaml:"domain"`
	Password string `yaml:"password"`
	// RemoteID адрес запроса каталога, если он отличается от ID
	RemoteID string `yaml:"remote_id" validate:"omitempty,deviceid"`
}

// APIConfig параметры HTTP интерфейса оператора
type APIConfig struct {
	ListenAddr     string   `yaml:"listen_addr" validate:"omitempty,hostname_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig параметры журнала
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SIP: SIPConfig{
			ListenAddr: "0.0.0.0:5060",
			Transport:  "udp",
			UserAgent:  signaling.DefaultUserAgent,
			ServerID:   DefaultServerID,
			Charset:    string(protocol.CharsetGB18030),
		},
		Registrar: RegistrarConfig{
			QueueSize: signaling.DefaultQueueSize,
			Workers:   runtime.NumCPU(),
			IdleWait:  signaling.DefaultIdleWait,
			MinExpiry: signaling.DefaultMinExpiry,
			Expiry:    signaling.DefaultExpiry,
		},
		Media: MediaConfig{
			PortStart:      signaling.DefaultMediaPortStart,
			PortEnd:        signaling.DefaultMediaPortEnd,
			MaxDemuxBuffer: psdemux.DefaultMaxBuffer,
			SinkDir:        "recordings",
			SinkFormat:     string(sink.FormatES),
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load читает файл поверх значений по умолчанию и проверяет результат
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}
	return &cfg, nil
}

// Validate проверяет теги полей и связи между полями
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if c.Media.PortStart >= c.Media.PortEnd {
		errs = append(errs, fmt.Errorf("media.port_start %d должен быть меньше media.port_end %d",
			c.Media.PortStart, c.Media.PortEnd))
	}
	if c.Registrar.Expiry < c.Registrar.MinExpiry {
		errs = append(errs, fmt.Errorf("registrar.expiry %d меньше registrar.min_expiry %d",
			c.Registrar.Expiry, c.Registrar.MinExpiry))
	}
	if _, err := protocol.ParseCharset(c.SIP.Charset); err != nil {
		errs = append(errs, fmt.Errorf("sip.charset: %w", err))
	}
	if c.SIP.StrictRealm && c.SIP.Realm == "" {
		errs = append(errs, errors.New("sip.strict_realm требует sip.realm"))
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for _, d := range c.Devices {
		if _, ok := seen[d.ID]; ok {
			errs = append(errs, fmt.Errorf("устройство %s указано дважды", d.ID))
		}
		seen[d.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

// Copy возвращает независимую копию
func (c *Config) Copy() *Config {
	cp := *c
	cp.Devices = append([]DeviceConfig(nil), c.Devices...)
	cp.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return &cp
}

// SlogLevel уровень журнала
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Charset кодировка исходящих тел
func (c *Config) Charset() protocol.Charset {
	cs, err := protocol.ParseCharset(c.SIP.Charset)
	if err != nil {
		return protocol.CharsetGB18030
	}
	return cs
}

// LocalAddr адрес host:port шлюза для устройств, пустой если sip.local_ip не задан
func (c *Config) LocalAddr() string {
	if c.SIP.LocalIP == "" {
		return ""
	}
	_, port, err := net.SplitHostPort(c.SIP.ListenAddr)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(c.SIP.LocalIP, port)
}

// Signaling параметры ядра сигнализации
func (c *Config) Signaling() signaling.Config {
	return signaling.Config{
		QueueSize:      c.Registrar.QueueSize,
		Workers:        c.Registrar.Workers,
		IdleWait:       c.Registrar.IdleWait,
		MinExpiry:      c.Registrar.MinExpiry,
		DefaultExpiry:  c.Registrar.Expiry,
		UserAgent:      c.SIP.UserAgent,
		Realm:          c.SIP.Realm,
		StrictRealm:    c.SIP.StrictRealm,
		LocalAddr:      c.LocalAddr(),
		Charset:        c.Charset(),
		MediaPortStart: c.Media.PortStart,
		MediaPortEnd:   c.Media.PortEnd,
	}
}

// Session общие параметры сессий устройств
func (c *Config) Session() session.Config {
	return session.Config{
		LocalIP:           c.SIP.LocalIP,
		LocalID:           c.SIP.ServerID,
		Realm:             c.SIP.Realm,
		UserAgent:         c.SIP.UserAgent,
		Charset:           c.Charset(),
		MaxDemuxBuffer:    c.Media.MaxDemuxBuffer,
		ReceiveBufferSize: c.Media.ReceiveBufferSize,
	}
}

// Accounts учетные записи настроенных устройств
func (c *Config) Accounts() []signaling.Account {
	out := make([]signaling.Account, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, signaling.Account{
			Username: d.ID,
			Domain:   d.Domain,
			Password: d.Password,
			LocalID:  c.SIP.ServerID,
			RemoteID: d.RemoteID,
		})
	}
	return out
}

// SinkFormat формат записи потоков
func (c *Config) SinkFormat() sink.Format {
	f, err := sink.ParseFormat(c.Media.SinkFormat)
	if err != nil {
		return sink.FormatES
	}
	return f
}
