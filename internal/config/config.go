// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds
const (
	TransportSerial = "serial"
	TransportTCP    = "tcp"
	TransportUSB    = "usb"
	TransportPipe   = "pipe"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Transport TransportConfig `mapstructure:"transport"`
	Session   SessionConfig   `mapstructure:"session"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	Port           string        `mapstructure:"port" validate:"required"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	TLS            TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig represents the message log database configuration
type DatabaseConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	AutoMigrate  bool          `mapstructure:"auto_migrate"`
	Retention    time.Duration `mapstructure:"retention"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig selects and configures the byte stream to the device
type TransportConfig struct {
	Kind   string       `mapstructure:"kind" validate:"required"`
	Serial SerialConfig `mapstructure:"serial"`
	TCP    TCPConfig    `mapstructure:"tcp"`
	USB    USBConfig    `mapstructure:"usb"`
	Pipe   PipeConfig   `mapstructure:"pipe"`
}

// SerialConfig represents serial port configuration
type SerialConfig struct {
	Port     string        `mapstructure:"port" json:"port"`
	BaudRate int           `mapstructure:"baud_rate" json:"baud_rate"`
	DataBits int           `mapstructure:"data_bits" json:"data_bits"`
	StopBits int           `mapstructure:"stop_bits" json:"stop_bits"`
	Parity   string        `mapstructure:"parity" json:"parity"`
	Timeout  time.Duration `mapstructure:"timeout" json:"timeout"`
}

// TCPConfig represents TCP configuration
type TCPConfig struct {
	Host           string        `mapstructure:"host" json:"host"`
	Port           int           `mapstructure:"port" json:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	KeepAlive      bool          `mapstructure:"keep_alive" json:"keep_alive"`
}

// USBConfig represents USB bulk transfer configuration
type USBConfig struct {
	VendorID    string        `mapstructure:"vendor_id" json:"vendor_id"`
	ProductID   string        `mapstructure:"product_id" json:"product_id"`
	Config      int           `mapstructure:"config" json:"config"`
	Interface   int           `mapstructure:"interface" json:"interface"`
	InEndpoint  int           `mapstructure:"in_endpoint" json:"in_endpoint"`
	OutEndpoint int           `mapstructure:"out_endpoint" json:"out_endpoint"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
}

// PipeConfig runs the device link as a subprocess speaking on stdin/stdout
type PipeConfig struct {
	Command string   `mapstructure:"command" json:"command"`
	Args    []string `mapstructure:"args" json:"args"`
	Dir     string   `mapstructure:"dir" json:"dir"`
	Env     []string `mapstructure:"env" json:"env"`
}

// SessionConfig represents device session configuration
type SessionConfig struct {
	ReadBufferSize      int           `mapstructure:"read_buffer_size"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	RegistrationTimeout time.Duration `mapstructure:"registration_timeout"`
	QueueSize           int           `mapstructure:"queue_size"`
	RegistrationPolicy  string        `mapstructure:"registration_policy"`
	Reconnect           BackoffConfig `mapstructure:"reconnect"`
}

// BackoffConfig controls reconnect delays
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables.
// With an empty path config.yaml is searched in the usual places and a
// missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("./internal/config")
		v.AddConfigPath("/etc/device-gateway")
	}

	// Environment variable support
	v.SetEnvPrefix("DEVICE_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "device_gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention", "168h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Transport defaults
	v.SetDefault("transport.kind", TransportSerial)
	v.SetDefault("transport.serial.port", "/dev/ttyUSB0")
	v.SetDefault("transport.serial.baud_rate", 115200)
	v.SetDefault("transport.serial.data_bits", 8)
	v.SetDefault("transport.serial.stop_bits", 1)
	v.SetDefault("transport.serial.parity", "none")
	v.SetDefault("transport.serial.timeout", "100ms")

	v.SetDefault("transport.tcp.host", "")
	v.SetDefault("transport.tcp.port", 9000)
	v.SetDefault("transport.tcp.connect_timeout", "10s")
	v.SetDefault("transport.tcp.read_timeout", "100ms")
	v.SetDefault("transport.tcp.write_timeout", "5s")
	v.SetDefault("transport.tcp.keep_alive", true)

	v.SetDefault("transport.usb.vendor_id", "")
	v.SetDefault("transport.usb.product_id", "")
	v.SetDefault("transport.usb.config", 1)
	v.SetDefault("transport.usb.interface", 0)
	v.SetDefault("transport.usb.in_endpoint", 1)
	v.SetDefault("transport.usb.out_endpoint", 1)
	v.SetDefault("transport.usb.timeout", "100ms")

	v.SetDefault("transport.pipe.command", "")
	v.SetDefault("transport.pipe.args", []string{})

	// Session defaults
	v.SetDefault("session.read_buffer_size", 4096)
	v.SetDefault("session.read_timeout", "100ms")
	v.SetDefault("session.write_timeout", "5s")
	v.SetDefault("session.registration_timeout", "10s")
	v.SetDefault("session.queue_size", 64)
	v.SetDefault("session.registration_policy", "skip")
	v.SetDefault("session.reconnect.initial", "500ms")
	v.SetDefault("session.reconnect.max", "30s")
	v.SetDefault("session.reconnect.multiplier", 2.0)
	v.SetDefault("session.reconnect.jitter", 0.2)

	// App defaults
	v.SetDefault("app.name", "device-gateway")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database.host is required when the database is enabled")
	}

	switch config.Transport.Kind {
	case TransportSerial:
		if config.Transport.Serial.Port == "" {
			return fmt.Errorf("transport.serial.port is required")
		}
		if !contains([]string{"none", "odd", "even", "mark", "space"}, config.Transport.Serial.Parity) {
			return fmt.Errorf("transport.serial.parity is invalid: %s", config.Transport.Serial.Parity)
		}
	case TransportTCP:
		if config.Transport.TCP.Host == "" {
			return fmt.Errorf("transport.tcp.host is required")
		}
		if config.Transport.TCP.Port < 1 || config.Transport.TCP.Port > 65535 {
			return fmt.Errorf("invalid port number: %d", config.Transport.TCP.Port)
		}
	case TransportUSB:
		if config.Transport.USB.VendorID == "" || config.Transport.USB.ProductID == "" {
			return fmt.Errorf("transport.usb.vendor_id and transport.usb.product_id are required")
		}
	case TransportPipe:
		if config.Transport.Pipe.Command == "" {
			return fmt.Errorf("transport.pipe.command is required")
		}
	default:
		return fmt.Errorf("transport.kind must be one of: %v",
			[]string{TransportSerial, TransportTCP, TransportUSB, TransportPipe})
	}

	if config.Session.QueueSize < 1 {
		return fmt.Errorf("session.queue_size must be positive")
	}
	if config.Session.ReadBufferSize < 1 {
		return fmt.Errorf("session.read_buffer_size must be positive")
	}
	if !contains([]string{"skip", "abort"}, config.Session.RegistrationPolicy) {
		return fmt.Errorf("session.registration_policy must be one of: [skip abort]")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
