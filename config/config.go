package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// Config is the complete service configuration, read from a YAML file and
// overridden by DEVICE_OPCUA_* environment variables.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	OPCUA      OPCUAConfig      `yaml:"opcua"`
	Broker     BrokerConfig     `yaml:"broker"`
	Commands   CommandsConfig   `yaml:"commands"`
	WebUI      WebUIConfig      `yaml:"webui"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Devices    []DeviceSeed     `yaml:"devices"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json | text
	MaxEntries int    `yaml:"max_entries"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// OPCUAConfig holds the client settings shared by every session the
// protocol manager opens.
type OPCUAConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	SecurityMode      string        `yaml:"security_mode"`
	SecurityPolicy    string        `yaml:"security_policy"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	AutoReconnect     bool          `yaml:"auto_reconnect"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	DiscoveryURLs     []string      `yaml:"discovery_urls"`
}

type ListenerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Type    string `yaml:"type"` // tcp | websocket | http
	TLS     bool   `yaml:"tls"`
}

type BrokerConfig struct {
	Port        int              `yaml:"port"`
	TLS         bool             `yaml:"tls"`
	CertFile    string           `yaml:"cert_file"`
	KeyFile     string           `yaml:"key_file"`
	EventTopic  string           `yaml:"event_topic"`
	StateTopic  string           `yaml:"state_topic"`
	Listeners   []ListenerConfig `yaml:"listeners"`
	AllowAll    bool             `yaml:"allow_all"`
	ServiceUser string           `yaml:"service_user"`
}

type CommandsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BrokerURL string        `yaml:"broker_url"`
	Topic     string        `yaml:"topic"`
	Timeout   time.Duration `yaml:"timeout"`
}

type WebUIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
	RequireLogin  bool   `yaml:"require_login"`
	TLS           bool   `yaml:"tls"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
}

type ForwardingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`

	// Additional event routes. Each one runs when its destination is set.
	FilePath    string            `yaml:"file_path"`
	RESTURL     string            `yaml:"rest_url"`
	RESTHeaders map[string]string `yaml:"rest_headers"`
	QueueSize   int               `yaml:"queue_size"`
}

// DeviceSeed describes one device with its addressable, objects and
// profile operations. Seeds are synced into the metadata store on start and
// whenever the config file changes.
type DeviceSeed struct {
	Name             string          `yaml:"name"`
	Protocol         string          `yaml:"protocol"` // tcp | http
	Address          string          `yaml:"address"`
	Port             uint16          `yaml:"port"`
	Path             string          `yaml:"path"`
	SamplingInterval time.Duration   `yaml:"sampling_interval"`
	PublishPolicy    string          `yaml:"publish_policy"` // cyclic | on-change
	Objects          []ObjectSeed    `yaml:"objects"`
	Operations       []OperationSeed `yaml:"operations"`
}

type ObjectSeed struct {
	Name        string `yaml:"name"`
	ProviderKey string `yaml:"provider_key"`
}

type OperationSeed struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Object    string `yaml:"object"`
	Parameter string `yaml:"parameter"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxEntries: 300,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./device_opcua.db",
		},
		OPCUA: OPCUAConfig{
			RequestTimeout:    10 * time.Second,
			SecurityMode:      "None",
			SecurityPolicy:    "None",
			AutoReconnect:     true,
			ReconnectInterval: 15 * time.Second,
		},
		Broker: BrokerConfig{
			Port:        1883,
			EventTopic:  "events/opcua",
			StateTopic:  "state/opcua",
			ServiceUser: "device-opcua",
		},
		Commands: CommandsConfig{
			Enabled:   true,
			BrokerURL: "tcp://127.0.0.1:1883",
			Topic:     "command/opcua/#",
			Timeout:   15 * time.Second,
		},
		WebUI: WebUIConfig{
			Enabled:       true,
			Port:          8080,
			SessionSecret: "device-opcua",
		},
		Forwarding: ForwardingConfig{
			TopicPrefix: "edgex",
			QoS:         1,
			QueueSize:   100,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDevices re-reads only the device seeds of the config file.
func LoadDevices(path string) ([]DeviceSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	var partial struct {
		Devices []DeviceSeed `yaml:"devices"`
	}
	if err := yaml.Unmarshal(raw, &partial); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return partial.Devices, nil
}

func (c *Config) applyEnv() {
	envString("DEVICE_OPCUA_LOG_LEVEL", &c.Log.Level)
	envString("DEVICE_OPCUA_LOG_FORMAT", &c.Log.Format)
	envString("DEVICE_OPCUA_DB_DRIVER", &c.Database.Driver)
	envString("DEVICE_OPCUA_DB_DSN", &c.Database.DSN)
	envSeconds("DEVICE_OPCUA_REQUEST_TIMEOUT_SEC", &c.OPCUA.RequestTimeout)
	envString("DEVICE_OPCUA_SECURITY_MODE", &c.OPCUA.SecurityMode)
	envString("DEVICE_OPCUA_SECURITY_POLICY", &c.OPCUA.SecurityPolicy)
	envString("DEVICE_OPCUA_USERNAME", &c.OPCUA.Username)
	envString("DEVICE_OPCUA_PASSWORD", &c.OPCUA.Password)
	envInt("DEVICE_OPCUA_BROKER_PORT", &c.Broker.Port)
	envString("DEVICE_OPCUA_COMMAND_BROKER_URL", &c.Commands.BrokerURL)
	envInt("DEVICE_OPCUA_WEBUI_PORT", &c.WebUI.Port)
	envString("DEVICE_OPCUA_SESSION_SECRET", &c.WebUI.SessionSecret)
	envString("DEVICE_OPCUA_FORWARD_BROKER_URL", &c.Forwarding.BrokerURL)
	envString("DEVICE_OPCUA_FORWARD_REST_URL", &c.Forwarding.RESTURL)
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			logrus.Warnf("CONFIG: ignoring %s=%q: %v", key, val, err)
			return
		}
		*dst = intVal
	}
}

func envSeconds(key string, dst *time.Duration) {
	var secs int
	if val := os.Getenv(key); val != "" {
		envInt(key, &secs)
		if secs > 0 {
			*dst = time.Duration(secs) * time.Second
		}
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must not be empty")
	}
	if c.OPCUA.RequestTimeout <= 0 {
		return fmt.Errorf("opcua request_timeout must be greater than 0")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Broker.EventTopic == "" {
		return fmt.Errorf("broker event_topic must not be empty")
	}
	if c.Forwarding.Enabled && c.Forwarding.BrokerURL == "" && c.Forwarding.FilePath == "" && c.Forwarding.RESTURL == "" {
		return fmt.Errorf("forwarding enabled without broker_url, file_path or rest_url")
	}
	if c.Forwarding.QoS < 0 || c.Forwarding.QoS > 2 {
		return fmt.Errorf("forwarding qos must be 0, 1 or 2")
	}

	seen := make(map[string]bool)
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("device without name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		seen[d.Name] = true
		if d.Address == "" {
			return fmt.Errorf("device %q has no address", d.Name)
		}
	}
	return nil
}
