package dobiss

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

// DefaultCANChannel is the default SocketCAN interface.
const DefaultCANChannel = "can0"

// Config is the root configuration for the Dobiss bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	CAN     CANSettings   `yaml:"can"`
	Timing  TimingConfig  `yaml:"timing"`
	Lights  []LightConfig `yaml:"lights"`
	Logging LoggingConfig `yaml:"logging"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health reporting.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// PollInterval is how often every relay is refreshed (seconds).
	// 0 disables polling. Default: 30 seconds.
	PollInterval int `yaml:"poll_interval"`
}

// CANSettings selects and configures the CAN transport.
type CANSettings struct {
	// Transport is "socketcan", "slcan" or "virtual".
	// Default: "socketcan"
	Transport string `yaml:"transport"`

	// Channel is the SocketCAN interface name.
	// Default: "can0"
	Channel string `yaml:"channel"`

	// SerialPort is the SLCAN adapter device path.
	SerialPort string `yaml:"serial_port"`

	// SerialBaud is the SLCAN serial line speed.
	// Default: 115200
	SerialBaud int `yaml:"serial_baud"`

	// Bitrate is the CAN bit-rate. Dobiss modules run at 125 kbit/s.
	Bitrate int `yaml:"bitrate"`
}

// TimingConfig holds protocol timing in milliseconds.
type TimingConfig struct {
	SettleDelayMS  int `yaml:"settle_delay_ms"`
	ReplyTimeoutMS int `yaml:"reply_timeout_ms"`
	SendTimeoutMS  int `yaml:"send_timeout_ms"`
}

// LightConfig defines one relay output.
type LightConfig struct {
	// Name is the human-readable name, e.g. "WC".
	Name string `yaml:"name"`

	// Module is the relay module index on the bus.
	Module int `yaml:"module"`

	// Relay is the relay index within the module.
	Relay int `yaml:"relay"`

	// DeviceID is the Gray Logic device identifier.
	// Default: "dobiss.<module>.<relay>"
	DeviceID string `yaml:"device_id"`
}

// Address returns the bus address. Call only on validated config.
func (l LightConfig) Address() Address {
	return Address{Module: uint8(l.Module), Relay: uint8(l.Relay)}
}

// ID returns the configured device ID or the default derived from the address.
func (l LightConfig) ID() string {
	if l.DeviceID != "" {
		return l.DeviceID
	}
	return l.Address().DefaultDeviceID()
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`
}

// LoadConfig loads bridge configuration from a YAML file.
//
// Environment variables follow the pattern: DOBISS_BRIDGE_SECTION_KEY
// For example: DOBISS_BRIDGE_CAN_CHANNEL, DOBISS_BRIDGE_CAN_TRANSPORT
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "dobiss-bridge-01",
			HealthInterval: 30,
			PollInterval:   30,
		},
		CAN: CANSettings{
			Transport:  canbus.TransportSocketCAN,
			Channel:    DefaultCANChannel,
			SerialBaud: canbus.DefaultSerialBaud,
			Bitrate:    canbus.DefaultBitrate,
		},
		Timing: TimingConfig{
			SettleDelayMS:  int(DefaultSettleDelay / time.Millisecond),
			ReplyTimeoutMS: int(DefaultReplyTimeout / time.Millisecond),
			SendTimeoutMS:  int(DefaultSendTimeout / time.Millisecond),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Lights: []LightConfig{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOBISS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("DOBISS_BRIDGE_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.PollInterval = n
		}
	}

	if v := os.Getenv("DOBISS_BRIDGE_CAN_TRANSPORT"); v != "" {
		cfg.CAN.Transport = v
	}
	if v := os.Getenv("DOBISS_BRIDGE_CAN_CHANNEL"); v != "" {
		cfg.CAN.Channel = v
	}
	if v := os.Getenv("DOBISS_BRIDGE_CAN_SERIAL_PORT"); v != "" {
		cfg.CAN.SerialPort = v
	}

	if v := os.Getenv("DOBISS_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateCAN()...)
	errs = append(errs, c.validateTiming()...)
	errs = append(errs, c.validateLights()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.PollInterval < 0 {
		errs = append(errs, "bridge.poll_interval must not be negative")
	}
	return errs
}

func (c *Config) validateCAN() []string {
	var errs []string

	switch c.CAN.Transport {
	case canbus.TransportSocketCAN:
		if c.CAN.Channel == "" {
			errs = append(errs, "can.channel is required for socketcan")
		}
	case canbus.TransportSLCAN:
		if c.CAN.SerialPort == "" {
			errs = append(errs, "can.serial_port is required for slcan")
		}
		if c.CAN.SerialBaud < 1 {
			errs = append(errs, "can.serial_baud must be positive")
		}
	case canbus.TransportVirtual:
	default:
		errs = append(errs, fmt.Sprintf("can.transport %q is invalid (use socketcan, slcan, or virtual)", c.CAN.Transport))
	}

	if c.CAN.Bitrate < 1 {
		errs = append(errs, "can.bitrate must be positive")
	}
	return errs
}

func (c *Config) validateTiming() []string {
	var errs []string
	if c.Timing.SettleDelayMS < 0 {
		errs = append(errs, "timing.settle_delay_ms must not be negative")
	}
	if c.Timing.ReplyTimeoutMS < 1 {
		errs = append(errs, "timing.reply_timeout_ms must be at least 1")
	}
	if c.Timing.SendTimeoutMS < 1 {
		errs = append(errs, "timing.send_timeout_ms must be at least 1")
	}
	return errs
}

func (c *Config) validateLights() []string {
	var errs []string
	ids := make(map[string]int)
	names := make(map[string]int)
	addrs := make(map[Address]int)

	for i, l := range c.Lights {
		if l.Name == "" {
			errs = append(errs, fmt.Sprintf("lights[%d].name is required", i))
		} else if prev, ok := names[l.Name]; ok {
			errs = append(errs, fmt.Sprintf("lights[%d].name %q duplicates lights[%d]", i, l.Name, prev))
		} else {
			names[l.Name] = i
		}

		if l.Module < 0 || l.Module > 255 {
			errs = append(errs, fmt.Sprintf("lights[%d].module %d out of range 0-255", i, l.Module))
			continue
		}
		if l.Relay < 0 || l.Relay > 255 {
			errs = append(errs, fmt.Sprintf("lights[%d].relay %d out of range 0-255", i, l.Relay))
			continue
		}

		if prev, ok := addrs[l.Address()]; ok {
			errs = append(errs, fmt.Sprintf("lights[%d] address %s duplicates lights[%d]", i, l.Address(), prev))
		} else {
			addrs[l.Address()] = i
		}

		id := l.ID()
		if prev, ok := ids[id]; ok {
			errs = append(errs, fmt.Sprintf("lights[%d].device_id %q duplicates lights[%d]", i, id, prev))
		} else {
			ids[id] = i
		}
	}

	return errs
}

func (c *Config) validateLogging() []string {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return []string{fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level)}
	}
	return nil
}

// ToBusOptions converts settings to options for Open.
func (c *Config) ToBusOptions() BusOptions {
	return BusOptions{
		CAN: canbus.Config{
			Transport:  c.CAN.Transport,
			Channel:    c.CAN.Channel,
			SerialPort: c.CAN.SerialPort,
			SerialBaud: c.CAN.SerialBaud,
			Bitrate:    c.CAN.Bitrate,
		},
		Timing: c.GetTiming(),
	}
}

// GetTiming returns the protocol timing as durations. A zero settle delay
// disables settling.
func (c *Config) GetTiming() Timing {
	settle := time.Duration(c.Timing.SettleDelayMS) * time.Millisecond
	if settle == 0 {
		settle = -1
	}
	return Timing{
		SettleDelay:  settle,
		ReplyTimeout: time.Duration(c.Timing.ReplyTimeoutMS) * time.Millisecond,
		SendTimeout:  time.Duration(c.Timing.SendTimeoutMS) * time.Millisecond,
	}
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetPollInterval returns the polling interval; zero means disabled.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Second
}
