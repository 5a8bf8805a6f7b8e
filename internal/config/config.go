package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/pinlink/internal/pins"
	"github.com/shaunagostinho/pinlink/internal/protocol"
	"github.com/shaunagostinho/pinlink/internal/session"
)

// DefaultPath is used by Save when the config was not loaded from a file.
const DefaultPath = "/etc/pinlink/config.yaml"

// Config holds all pinlink configuration.
type Config struct {
	mu sync.RWMutex

	Serial   SerialConfig   `yaml:"serial" json:"serial"`
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`

	// Ports opened at startup
	Slots []SlotConfig `yaml:"slots" json:"slots"`

	Server   ServerConfig   `yaml:"server" json:"server"`
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`

	path string // file path for save/load
}

type SerialConfig struct {
	BaudRate       int `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms" json:"readTimeoutMs"`
	SettleDelayMs  int `yaml:"settle_delay_ms" json:"settleDelayMs"`   // pause between write and read
	OpenDelayMs    int `yaml:"open_delay_ms" json:"openDelayMs"`       // wait for the board to reset after open
	PollIntervalMs int `yaml:"poll_interval_ms" json:"pollIntervalMs"` // streaming drain period
	MaxSlots       int `yaml:"max_slots" json:"maxSlots"`
}

type ProtocolConfig struct {
	AnalogOffset int  `yaml:"analog_offset" json:"analogOffset"` // pin code of A0
	ProbeOnOpen  bool `yaml:"probe_on_open" json:"probeOnOpen"`
}

type SlotConfig struct {
	Slot int    `yaml:"slot" json:"slot"`
	Port string `yaml:"port" json:"port"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"` // rotate after this many rows
}

// MQTTConfig enables the bridge when URL is set, e.g.
// mqtt://broker:1883/bench/ with an optional ?client-id= query.
type MQTTConfig struct {
	URL      string `yaml:"url" json:"url"`
	ClientID string `yaml:"client_id" json:"clientId"`
}

type LoggingConfig struct {
	File       string `yaml:"file" json:"file"` // empty: stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
}

// DefaultConfig returns a config with the firmware's timings.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			BaudRate:       protocol.BaudRate,
			ReadTimeoutMs:  int(protocol.ReadTimeout / time.Millisecond),
			SettleDelayMs:  int(protocol.SettleDelay / time.Millisecond),
			OpenDelayMs:    0,
			PollIntervalMs: int(protocol.PollInterval / time.Millisecond),
			MaxSlots:       3,
		},
		Protocol: ProtocolConfig{
			AnalogOffset: pins.DefaultAnalogOffset,
			ProbeOnOpen:  false,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Path:    "/var/log/pinlink",
			MaxRows: 100_000,
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		log.Printf("[config] %v, using defaults for serial and protocol", err)
		def := DefaultConfig()
		cfg.Serial, cfg.Protocol = def.Serial, def.Protocol
	}
	return cfg
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultPath
	}
	return c.path
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads PINLINK_* variables. PINLINK_PORTS lists startup
// slots as "1=/dev/ttyACM0,2=/dev/ttyUSB0" and replaces the file's list.
func (c *Config) applyEnvOverrides() {
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Printf("[config] ignoring %s=%q: %v", key, v, err)
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || v == "true" || v == "yes"
		}
	}
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envInt("PINLINK_BAUD", &c.Serial.BaudRate)
	envInt("PINLINK_READ_TIMEOUT_MS", &c.Serial.ReadTimeoutMs)
	envInt("PINLINK_SETTLE_DELAY_MS", &c.Serial.SettleDelayMs)
	envInt("PINLINK_OPEN_DELAY_MS", &c.Serial.OpenDelayMs)
	envInt("PINLINK_POLL_INTERVAL_MS", &c.Serial.PollIntervalMs)
	envInt("PINLINK_MAX_SLOTS", &c.Serial.MaxSlots)
	envInt("PINLINK_ANALOG_OFFSET", &c.Protocol.AnalogOffset)
	envBool("PINLINK_PROBE_ON_OPEN", &c.Protocol.ProbeOnOpen)
	envStr("PINLINK_LISTEN_ADDR", &c.Server.ListenAddr)
	envBool("PINLINK_RECORD", &c.Recorder.Enabled)
	envStr("PINLINK_RECORD_PATH", &c.Recorder.Path)
	envStr("PINLINK_MQTT_URL", &c.MQTT.URL)
	envStr("PINLINK_MQTT_CLIENT_ID", &c.MQTT.ClientID)
	envStr("PINLINK_LOG_FILE", &c.Logging.File)

	if v := os.Getenv("PINLINK_PORTS"); v != "" {
		slots, err := ParseSlots(v)
		if err != nil {
			log.Printf("[config] ignoring PINLINK_PORTS: %v", err)
		} else {
			c.Slots = slots
		}
	}
}

// ParseSlots reads "1=/dev/ttyACM0,2=/dev/ttyUSB0". A bare port name takes
// the next slot number.
func ParseSlots(s string) ([]SlotConfig, error) {
	var out []SlotConfig
	next := 1
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		sc := SlotConfig{Slot: next, Port: item}
		if n, port, ok := strings.Cut(item, "="); ok {
			slot, err := strconv.Atoi(strings.TrimSpace(n))
			if err != nil {
				return nil, fmt.Errorf("config: bad slot in %q", item)
			}
			sc = SlotConfig{Slot: slot, Port: strings.TrimSpace(port)}
		}
		out = append(out, sc)
		next = sc.Slot + 1
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (c *Config) validate() error {
	switch {
	case c.Serial.BaudRate <= 0:
		return fmt.Errorf("config: baud_rate must be positive")
	case c.Serial.MaxSlots < 1:
		return fmt.Errorf("config: max_slots must be at least 1")
	case c.Serial.ReadTimeoutMs <= 0 || c.Serial.PollIntervalMs <= 0:
		return fmt.Errorf("config: read_timeout_ms and poll_interval_ms must be positive")
	case c.Serial.SettleDelayMs < 0 || c.Serial.OpenDelayMs < 0:
		return fmt.Errorf("config: delays cannot be negative")
	case c.Protocol.AnalogOffset < 0 || c.Protocol.AnalogOffset+pins.AnalogCount > 256:
		return fmt.Errorf("config: analog_offset %d does not fit a pin byte", c.Protocol.AnalogOffset)
	}
	return nil
}

// SessionOptions converts the serial and protocol sections.
func (c *Config) SessionOptions() session.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return session.Options{
		Codec:        protocol.NewCodec(c.Protocol.AnalogOffset),
		ReadTimeout:  ms(c.Serial.ReadTimeoutMs),
		SettleDelay:  ms(c.Serial.SettleDelayMs),
		PollInterval: ms(c.Serial.PollIntervalMs),
		OpenDelay:    ms(c.Serial.OpenDelayMs),
		ProbeOnOpen:  c.Protocol.ProbeOnOpen,
	}
}

// Startup holds the settings that are read once when pinlink starts.
// Changing them through the API takes effect after a restart.
type Startup struct {
	BaudRate int
	MaxSlots int
	Slots    []SlotConfig
	Server   ServerConfig
	Recorder RecorderConfig // Enabled is applied live and left zero here
	MQTT     MQTTConfig
	Logging  LoggingConfig
}

// Startup snapshots the startup-only settings.
func (c *Config) Startup() Startup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Startup{
		BaudRate: c.Serial.BaudRate,
		MaxSlots: c.Serial.MaxSlots,
		Slots:    slices.Clone(c.Slots),
		Server:   c.Server,
		Recorder: RecorderConfig{Path: c.Recorder.Path, MaxRows: c.Recorder.MaxRows},
		MQTT:     c.MQTT,
		Logging:  c.Logging,
	}
}

// Changed lists, by their JSON names, the settings that differ from prev.
func (s Startup) Changed(prev Startup) []string {
	var out []string
	if s.BaudRate != prev.BaudRate {
		out = append(out, "serial.baudRate")
	}
	if s.MaxSlots != prev.MaxSlots {
		out = append(out, "serial.maxSlots")
	}
	if !slices.Equal(s.Slots, prev.Slots) {
		out = append(out, "slots")
	}
	if s.Server != prev.Server {
		out = append(out, "server")
	}
	if s.Recorder != prev.Recorder {
		out = append(out, "recorder")
	}
	if s.MQTT != prev.MQTT {
		out = append(out, "mqtt")
	}
	if s.Logging != prev.Logging {
		out = append(out, "logging")
	}
	return out
}

// RecordingEnabled reads the recorder switch, which the API can change.
func (c *Config) RecordingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder.Enabled
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation leaves the
// config unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{path: c.path}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	c.Serial, c.Protocol, c.Slots = next.Serial, next.Protocol, next.Slots
	c.Server, c.Recorder, c.MQTT, c.Logging = next.Server, next.Recorder, next.MQTT, next.Logging
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
