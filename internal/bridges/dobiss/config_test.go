//nolint:goconst // Test files use repeated literals for clarity
package dobiss

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-dobiss/internal/canbus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dobiss.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
bridge:
  id: "test-dobiss-bridge"
  health_interval: 15
  poll_interval: 60

can:
  transport: "slcan"
  serial_port: "/dev/ttyACM0"
  serial_baud: 115200
  bitrate: 125000

timing:
  settle_delay_ms: 20
  reply_timeout_ms: 750
  send_timeout_ms: 200

logging:
  level: "debug"

lights:
  - name: "WC"
    module: 1
    relay: 3
  - name: "Kitchen"
    module: 1
    relay: 4
    device_id: "light-kitchen"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Bridge.ID != "test-dobiss-bridge" {
		t.Errorf("Bridge.ID = %q, want test-dobiss-bridge", cfg.Bridge.ID)
	}
	if cfg.GetHealthInterval() != 15*time.Second {
		t.Errorf("GetHealthInterval() = %v, want 15s", cfg.GetHealthInterval())
	}
	if cfg.GetPollInterval() != time.Minute {
		t.Errorf("GetPollInterval() = %v, want 1m", cfg.GetPollInterval())
	}
	if cfg.CAN.Transport != canbus.TransportSLCAN || cfg.CAN.SerialPort != "/dev/ttyACM0" {
		t.Errorf("CAN = %+v", cfg.CAN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}

	if len(cfg.Lights) != 2 {
		t.Fatalf("len(Lights) = %d, want 2", len(cfg.Lights))
	}
	if got := cfg.Lights[0].ID(); got != "dobiss.1.3" {
		t.Errorf("Lights[0].ID() = %q, want dobiss.1.3", got)
	}
	if got := cfg.Lights[1].ID(); got != "light-kitchen" {
		t.Errorf("Lights[1].ID() = %q, want light-kitchen", got)
	}
	if got := cfg.Lights[1].Address(); got != (Address{Module: 1, Relay: 4}) {
		t.Errorf("Lights[1].Address() = %v, want 1.4", got)
	}

	timing := cfg.GetTiming()
	want := Timing{SettleDelay: 20 * time.Millisecond, ReplyTimeout: 750 * time.Millisecond, SendTimeout: 200 * time.Millisecond}
	if timing != want {
		t.Errorf("GetTiming() = %+v, want %+v", timing, want)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
lights:
  - name: "WC"
    module: 0
    relay: 0
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Bridge.ID != "dobiss-bridge-01" {
		t.Errorf("Bridge.ID = %q, want dobiss-bridge-01", cfg.Bridge.ID)
	}
	if cfg.CAN.Transport != canbus.TransportSocketCAN || cfg.CAN.Channel != DefaultCANChannel {
		t.Errorf("CAN = %+v, want socketcan on can0", cfg.CAN)
	}
	if cfg.CAN.Bitrate != canbus.DefaultBitrate {
		t.Errorf("CAN.Bitrate = %d, want %d", cfg.CAN.Bitrate, canbus.DefaultBitrate)
	}

	timing := cfg.GetTiming()
	if timing != DefaultTiming() {
		t.Errorf("GetTiming() = %+v, want %+v", timing, DefaultTiming())
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
can:
  channel: "can0"
`)

	t.Setenv("DOBISS_BRIDGE_ID", "env-bridge")
	t.Setenv("DOBISS_BRIDGE_POLL_INTERVAL", "0")
	t.Setenv("DOBISS_BRIDGE_CAN_CHANNEL", "vcan0")
	t.Setenv("DOBISS_BRIDGE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Bridge.ID != "env-bridge" {
		t.Errorf("Bridge.ID = %q, want env-bridge", cfg.Bridge.ID)
	}
	if cfg.Bridge.PollInterval != 0 {
		t.Errorf("Bridge.PollInterval = %d, want 0", cfg.Bridge.PollInterval)
	}
	if cfg.CAN.Channel != "vcan0" {
		t.Errorf("CAN.Channel = %q, want vcan0", cfg.CAN.Channel)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig should fail for a missing file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "lights: [\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig should fail for invalid YAML")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "missing bridge ID",
			modify:  func(c *Config) { c.Bridge.ID = "" },
			wantErr: "bridge.id is required",
		},
		{
			name:    "negative poll interval",
			modify:  func(c *Config) { c.Bridge.PollInterval = -1 },
			wantErr: "poll_interval",
		},
		{
			name:    "unknown transport",
			modify:  func(c *Config) { c.CAN.Transport = "usb" },
			wantErr: "can.transport",
		},
		{
			name: "slcan without serial port",
			modify: func(c *Config) {
				c.CAN.Transport = canbus.TransportSLCAN
				c.CAN.SerialPort = ""
			},
			wantErr: "can.serial_port",
		},
		{
			name:    "zero reply timeout",
			modify:  func(c *Config) { c.Timing.ReplyTimeoutMS = 0 },
			wantErr: "reply_timeout_ms",
		},
		{
			name:    "negative settle delay",
			modify:  func(c *Config) { c.Timing.SettleDelayMS = -5 },
			wantErr: "settle_delay_ms",
		},
		{
			name: "module out of range",
			modify: func(c *Config) {
				c.Lights = append(c.Lights, LightConfig{Name: "Big", Module: 256, Relay: 0})
			},
			wantErr: "out of range",
		},
		{
			name: "duplicate address",
			modify: func(c *Config) {
				c.Lights = append(c.Lights, LightConfig{Name: "Copy", Module: 1, Relay: 3})
			},
			wantErr: "address 1.3 duplicates",
		},
		{
			name: "duplicate name",
			modify: func(c *Config) {
				c.Lights = append(c.Lights, LightConfig{Name: "WC", Module: 5, Relay: 5})
			},
			wantErr: `name "WC" duplicates`,
		},
		{
			name: "duplicate device ID",
			modify: func(c *Config) {
				c.Lights = append(c.Lights, LightConfig{Name: "Other", Module: 5, Relay: 5, DeviceID: "light-wc"})
			},
			wantErr: `device_id "light-wc" duplicates`,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidationSuccess(t *testing.T) {
	if err := createTestConfig().Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestGetTimingZeroSettleDisables(t *testing.T) {
	cfg := createTestConfig()
	cfg.Timing.SettleDelayMS = 0

	if got := cfg.GetTiming().withDefaults().SettleDelay; got != 0 {
		t.Errorf("effective settle delay = %v, want 0", got)
	}
}

func TestToBusOptions(t *testing.T) {
	cfg := createTestConfig()
	cfg.CAN.Transport = canbus.TransportSLCAN
	cfg.CAN.SerialPort = "/dev/ttyUSB0"

	opts := cfg.ToBusOptions()

	if opts.CAN.Transport != canbus.TransportSLCAN || opts.CAN.SerialPort != "/dev/ttyUSB0" {
		t.Errorf("CAN = %+v", opts.CAN)
	}
	if opts.CAN.Bitrate != canbus.DefaultBitrate {
		t.Errorf("CAN.Bitrate = %d, want %d", opts.CAN.Bitrate, canbus.DefaultBitrate)
	}
	if opts.Timing != cfg.GetTiming() {
		t.Errorf("Timing = %+v, want %+v", opts.Timing, cfg.GetTiming())
	}
}
