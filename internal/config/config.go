package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/groundlink/internal/domain"
)

// SourceType identifies which data source backend should be started.
type SourceType string

const (
	SourceSerial SourceType = "serial"
	SourceUDP    SourceType = "udp"
	SourceReplay SourceType = "replay"

	DefaultSerialBaud = 115200

	DefaultFlushIntervalMS  = 1000
	DefaultFlushEvery       = 256
	DefaultLosslessCeiling  = 1024
	DefaultStallTimeoutMS   = 1000
	DefaultIngressBuffer    = 1024
	DefaultLiveBuffer       = 256
	DefaultHistoryDepth     = 512
	DefaultCommandTimeoutMS = 3000
	DefaultSweepIntervalMS  = 100
	DefaultGroundSystemID   = 255
	DefaultGroundComponent  = 190
	DefaultAPIListen        = "127.0.0.1:8080"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"`
	LogToFile bool   `json:"log_to_file" yaml:"log_to_file"`
}

// SourceConfig describes one connection started at boot. Path is the serial device or the
// replay file depending on Type.
type SourceConfig struct {
	Type      SourceType `json:"type" yaml:"type"`
	Path      string     `json:"path,omitempty" yaml:"path,omitempty"`
	Baud      int        `json:"baud,omitempty" yaml:"baud,omitempty"`
	LocalAddr string     `json:"local_addr,omitempty" yaml:"local_addr,omitempty"`
	PeerAddr  string     `json:"peer_addr,omitempty" yaml:"peer_addr,omitempty"`
	Pacing    bool       `json:"pacing,omitempty" yaml:"pacing,omitempty"`
	Speed     float64    `json:"speed,omitempty" yaml:"speed,omitempty"`
}

// RecorderConfig controls the message logger. An empty Dir means the data directory.
type RecorderConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Dir             string `json:"dir,omitempty" yaml:"dir,omitempty"`
	FlushIntervalMS int    `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	FlushEvery      int    `json:"flush_every" yaml:"flush_every"`
}

// BusConfig sizes the message bus queues.
type BusConfig struct {
	LosslessCeiling int `json:"lossless_ceiling" yaml:"lossless_ceiling"`
	StallTimeoutMS  int `json:"stall_timeout_ms" yaml:"stall_timeout_ms"`
	IngressBuffer   int `json:"ingress_buffer" yaml:"ingress_buffer"`
	// LiveBuffer is the lossy queue capacity of each live stream client.
	LiveBuffer int `json:"live_buffer" yaml:"live_buffer"`
	// HistoryDepth is how many recent messages of each kind are kept for /api/messages.
	HistoryDepth int `json:"history_depth" yaml:"history_depth"`
}

// TrackerConfig sets the ground-station identity and command timing.
type TrackerConfig struct {
	SystemID        int `json:"system_id" yaml:"system_id"`
	ComponentID     int `json:"component_id" yaml:"component_id"`
	TimeoutMS       int `json:"timeout_ms" yaml:"timeout_ms"`
	SweepIntervalMS int `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Profile  string         `json:"profile,omitempty" yaml:"profile,omitempty"`
	Sources  []SourceConfig `json:"sources" yaml:"sources"`
	Recorder RecorderConfig `json:"recorder" yaml:"recorder"`
	Bus      BusConfig      `json:"bus" yaml:"bus"`
	Tracker  TrackerConfig  `json:"tracker" yaml:"tracker"`
	API      APIConfig      `json:"api" yaml:"api"`
}

func Default() AppConfig {
	return AppConfig{
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			LogToFile: false,
		},
		Sources: []SourceConfig{},
		Recorder: RecorderConfig{
			Enabled:         true,
			FlushIntervalMS: DefaultFlushIntervalMS,
			FlushEvery:      DefaultFlushEvery,
		},
		Bus: BusConfig{
			LosslessCeiling: DefaultLosslessCeiling,
			StallTimeoutMS:  DefaultStallTimeoutMS,
			IngressBuffer:   DefaultIngressBuffer,
			LiveBuffer:      DefaultLiveBuffer,
			HistoryDepth:    DefaultHistoryDepth,
		},
		Tracker: TrackerConfig{
			SystemID:        DefaultGroundSystemID,
			ComponentID:     DefaultGroundComponent,
			TimeoutMS:       DefaultCommandTimeoutMS,
			SweepIntervalMS: DefaultSweepIntervalMS,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  DefaultAPIListen,
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads a JSON or YAML config, chosen by file extension. A missing file yields Default.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime or given by the operator.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if isYAML(cleanPath) {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config yaml: %w", err)
		}
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Type = SourceType(strings.ToLower(strings.TrimSpace(string(src.Type))))
		if src.Type == SourceSerial && src.Baud <= 0 {
			src.Baud = DefaultSerialBaud
		}
	}
	if c.Recorder.FlushIntervalMS <= 0 {
		c.Recorder.FlushIntervalMS = DefaultFlushIntervalMS
	}
	if c.Recorder.FlushEvery <= 0 {
		c.Recorder.FlushEvery = DefaultFlushEvery
	}
	if c.Bus.LosslessCeiling <= 0 {
		c.Bus.LosslessCeiling = DefaultLosslessCeiling
	}
	if c.Bus.StallTimeoutMS <= 0 {
		c.Bus.StallTimeoutMS = DefaultStallTimeoutMS
	}
	if c.Bus.IngressBuffer <= 0 {
		c.Bus.IngressBuffer = DefaultIngressBuffer
	}
	if c.Bus.LiveBuffer <= 0 {
		c.Bus.LiveBuffer = DefaultLiveBuffer
	}
	if c.Bus.HistoryDepth <= 0 {
		c.Bus.HistoryDepth = DefaultHistoryDepth
	}
	if c.Tracker.SystemID == 0 {
		c.Tracker.SystemID = DefaultGroundSystemID
	}
	if c.Tracker.ComponentID == 0 {
		c.Tracker.ComponentID = DefaultGroundComponent
	}
	if c.Tracker.TimeoutMS <= 0 {
		c.Tracker.TimeoutMS = DefaultCommandTimeoutMS
	}
	if c.Tracker.SweepIntervalMS <= 0 {
		c.Tracker.SweepIntervalMS = DefaultSweepIntervalMS
	}
	if strings.TrimSpace(c.API.Listen) == "" {
		c.API.Listen = DefaultAPIListen
	}
}

func (c AppConfig) Validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}
	for i, src := range c.Sources {
		if _, err := src.Kind(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
	}
	if c.Tracker.SystemID < 1 || c.Tracker.SystemID > 255 {
		return fmt.Errorf("tracker system id must be 1..255, got %d", c.Tracker.SystemID)
	}
	if c.Tracker.ComponentID < 0 || c.Tracker.ComponentID > 255 {
		return fmt.Errorf("tracker component id must be 0..255, got %d", c.Tracker.ComponentID)
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Listen) == "" {
		return errors.New("api listen address is required")
	}

	return nil
}

// Kind converts the source entry to a connection kind. Address and file checks happen when
// the connection is added.
func (s SourceConfig) Kind() (domain.ConnectionKind, error) {
	switch s.Type {
	case SourceSerial:
		if strings.TrimSpace(s.Path) == "" {
			return nil, errors.New("serial path is required")
		}
		if s.Baud <= 0 {
			return nil, errors.New("serial baud must be positive")
		}
		return domain.SerialKind{Path: s.Path, Baud: s.Baud}, nil
	case SourceUDP:
		if strings.TrimSpace(s.LocalAddr) == "" {
			return nil, errors.New("udp local address is required")
		}
		return domain.UDPKind{LocalAddr: s.LocalAddr, PeerAddr: s.PeerAddr}, nil
	case SourceReplay:
		if strings.TrimSpace(s.Path) == "" {
			return nil, errors.New("replay path is required")
		}
		return domain.ReplayKind{Path: s.Path, Pacing: s.Pacing, Speed: s.Speed}, nil
	default:
		return nil, fmt.Errorf("unknown source type: %q", s.Type)
	}
}

func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
