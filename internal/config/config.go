// Package config loads the daemon's YAML configuration, mirroring the
// teacher's two-struct pattern (bridge/config.go): a private yamlConfig
// unmarshals the raw file, then LoadConfig validates and defaults it
// into a plain Config the rest of the engine consumes directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/screamrouter/audioengine/internal/engine/timeshift"
)

const (
	defaultGracePeriodMs    = 12
	defaultMP3BitrateKbps   = 192
	defaultRTPListenAddr    = ":4010"
	defaultScreamRawAddr    = ":4011"
	defaultScreamPerProcess = ":4012"
	defaultLogLevel         = "info"
)

// SinkConfig describes one output sink (spec §4.9/§4.10).
type SinkConfig struct {
	Name           string
	UDPAddr        string
	TCPAddr        string
	SampleRate     int
	BitDepth       int
	Channels       int
	ChLayout1      byte
	ChLayout2      byte
	GracePeriod    time.Duration
	MP3Enabled     bool
	MP3BitrateKbps int
	Sources        []string
}

// SourceConfig describes one SourceInputProcessor instance (spec §4.7).
type SourceConfig struct {
	InstanceID      string
	SourceTagFilter string
	OutputRate      int
	OutputChannels  int
	OutputBits      int
	DelayMs         float64
	BackshiftSec    float64
	Volume          float64
	EQ              [18]float32
}

// CaptureConfig describes one ALSA/FIFO capture device (spec §6).
type CaptureConfig struct {
	HwID       string
	SourceTag  string
	Channels   int
	SampleRate int
	BitDepth   int
	PeriodSize int
}

// NetworkConfig holds the listening addresses for the wire receivers.
type NetworkConfig struct {
	RTPListenAddr        string
	ScreamRawListenAddr  string
	ScreamPerProcessAddr string
	SAPEnabled           bool
}

// Config is the validated, defaulted configuration consumed by
// cmd/screamrouterd.
type Config struct {
	LogLevel  string
	Network   NetworkConfig
	Timeshift timeshift.Config
	Sinks     []SinkConfig
	Sources   []SourceConfig
	Captures  []CaptureConfig
}

type yamlConfig struct {
	LogLevel string `yaml:"log_level"`
	Network  struct {
		RTPListen        string `yaml:"rtp_listen"`
		ScreamRawListen  string `yaml:"scream_raw_listen"`
		ScreamPerProcess string `yaml:"scream_per_process_listen"`
		SAPEnabled       bool   `yaml:"sap_enabled"`
	} `yaml:"network"`
	Timeshift struct {
		CleanupIntervalMs      int     `yaml:"cleanup_interval_ms"`
		MaxBufferSeconds       float64 `yaml:"max_buffer_seconds"`
		TargetRecoveryMsPerSec float64 `yaml:"target_recovery_ms_per_sec"`
		CatchupGain            float64 `yaml:"catchup_gain"`
		MaxPlaybackRate        float64 `yaml:"max_playback_rate"`
		DefaultTargetBufferMs  float64 `yaml:"default_target_buffer_ms"`
		ConsumerQueueCapacity  int     `yaml:"consumer_queue_capacity"`
	} `yaml:"timeshift"`
	Sinks []struct {
		Name           string   `yaml:"name"`
		UDPAddr        string   `yaml:"udp_addr"`
		TCPAddr        string   `yaml:"tcp_addr"`
		SampleRate     int      `yaml:"sample_rate"`
		BitDepth       int      `yaml:"bit_depth"`
		Channels       int      `yaml:"channels"`
		ChLayout1      int      `yaml:"ch_layout1"`
		ChLayout2      int      `yaml:"ch_layout2"`
		GracePeriodMs  int      `yaml:"grace_period_ms"`
		MP3Enabled     bool     `yaml:"mp3_enabled"`
		MP3BitrateKbps int      `yaml:"mp3_bitrate_kbps"`
		Sources        []string `yaml:"sources"`
	} `yaml:"sinks"`
	Sources []struct {
		InstanceID      string    `yaml:"instance_id"`
		SourceTagFilter string    `yaml:"source_tag_filter"`
		OutputRate      int       `yaml:"output_rate"`
		OutputChannels  int       `yaml:"output_channels"`
		OutputBits      int       `yaml:"output_bits"`
		DelayMs         float64   `yaml:"delay_ms"`
		BackshiftSec    float64   `yaml:"backshift_sec"`
		Volume          float64   `yaml:"volume"`
		EQ              []float32 `yaml:"eq"`
	} `yaml:"sources"`
	Captures []struct {
		HwID       string `yaml:"hw_id"`
		SourceTag  string `yaml:"source_tag"`
		Channels   int    `yaml:"channels"`
		SampleRate int    `yaml:"sample_rate"`
		BitDepth   int    `yaml:"bit_depth"`
		PeriodSize int    `yaml:"period_size"`
	} `yaml:"captures"`
}

// LoadConfig reads and validates the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse yaml: %w", err)
	}

	cfg := Config{
		LogLevel:  defaultLogLevel,
		Timeshift: timeshift.DefaultConfig(),
	}

	if yc.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(yc.LogLevel)
	}

	cfg.Network.RTPListenAddr = defaultRTPListenAddr
	if yc.Network.RTPListen != "" {
		cfg.Network.RTPListenAddr = yc.Network.RTPListen
	}
	cfg.Network.ScreamRawListenAddr = defaultScreamRawAddr
	if yc.Network.ScreamRawListen != "" {
		cfg.Network.ScreamRawListenAddr = yc.Network.ScreamRawListen
	}
	cfg.Network.ScreamPerProcessAddr = defaultScreamPerProcess
	if yc.Network.ScreamPerProcess != "" {
		cfg.Network.ScreamPerProcessAddr = yc.Network.ScreamPerProcess
	}
	cfg.Network.SAPEnabled = yc.Network.SAPEnabled

	if yc.Timeshift.CleanupIntervalMs > 0 {
		cfg.Timeshift.CleanupInterval = time.Duration(yc.Timeshift.CleanupIntervalMs) * time.Millisecond
	}
	if yc.Timeshift.MaxBufferSeconds > 0 {
		cfg.Timeshift.MaxBufferDuration = time.Duration(yc.Timeshift.MaxBufferSeconds * float64(time.Second))
	}
	if yc.Timeshift.TargetRecoveryMsPerSec > 0 {
		cfg.Timeshift.TargetRecoveryMsPerSec = yc.Timeshift.TargetRecoveryMsPerSec
	}
	if yc.Timeshift.CatchupGain > 0 {
		cfg.Timeshift.CatchupGain = yc.Timeshift.CatchupGain
	}
	if yc.Timeshift.MaxPlaybackRate > 0 {
		cfg.Timeshift.MaxPlaybackRate = yc.Timeshift.MaxPlaybackRate
	}
	if yc.Timeshift.DefaultTargetBufferMs > 0 {
		cfg.Timeshift.DefaultTargetBufferLevelMs = yc.Timeshift.DefaultTargetBufferMs
	}
	if yc.Timeshift.ConsumerQueueCapacity > 0 {
		cfg.Timeshift.DefaultConsumerQueueCap = yc.Timeshift.ConsumerQueueCapacity
	}

	if len(yc.Sinks) == 0 {
		return Config{}, errors.New("config: at least one sink is required")
	}
	for _, s := range yc.Sinks {
		if s.Name == "" {
			return Config{}, errors.New("config: sink.name is required")
		}
		if s.UDPAddr == "" && s.TCPAddr == "" {
			return Config{}, fmt.Errorf("config: sink %q needs udp_addr or tcp_addr", s.Name)
		}
		sink := SinkConfig{
			Name:           s.Name,
			UDPAddr:        s.UDPAddr,
			TCPAddr:        s.TCPAddr,
			SampleRate:     orDefault(s.SampleRate, 48000),
			BitDepth:       orDefault(s.BitDepth, 16),
			Channels:       orDefault(s.Channels, 2),
			ChLayout1:      byte(s.ChLayout1),
			ChLayout2:      byte(s.ChLayout2),
			GracePeriod:    time.Duration(orDefault(s.GracePeriodMs, defaultGracePeriodMs)) * time.Millisecond,
			MP3Enabled:     s.MP3Enabled,
			MP3BitrateKbps: orDefault(s.MP3BitrateKbps, defaultMP3BitrateKbps),
			Sources:        s.Sources,
		}
		cfg.Sinks = append(cfg.Sinks, sink)
	}

	for _, s := range yc.Sources {
		if s.InstanceID == "" {
			return Config{}, errors.New("config: source.instance_id is required")
		}
		src := SourceConfig{
			InstanceID:      s.InstanceID,
			SourceTagFilter: s.SourceTagFilter,
			OutputRate:      orDefault(s.OutputRate, 48000),
			OutputChannels:  orDefault(s.OutputChannels, 2),
			OutputBits:      orDefault(s.OutputBits, 32),
			DelayMs:         s.DelayMs,
			BackshiftSec:    s.BackshiftSec,
			Volume:          orDefaultFloat(s.Volume, 1.0),
		}
		for i := range src.EQ {
			src.EQ[i] = 1.0
		}
		for i, v := range s.EQ {
			if i >= len(src.EQ) {
				break
			}
			src.EQ[i] = v
		}
		cfg.Sources = append(cfg.Sources, src)
	}

	for _, c := range yc.Captures {
		if c.HwID == "" {
			return Config{}, errors.New("config: capture.hw_id is required")
		}
		cfg.Captures = append(cfg.Captures, CaptureConfig{
			HwID:       c.HwID,
			SourceTag:  c.SourceTag,
			Channels:   orDefault(c.Channels, 2),
			SampleRate: orDefault(c.SampleRate, 48000),
			BitDepth:   orDefault(c.BitDepth, 16),
			PeriodSize: orDefault(c.PeriodSize, 576),
		})
	}

	return cfg, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
