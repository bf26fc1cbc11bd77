// Package config holds the service configuration and its YAML form.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ra1nb0w/camstream/quality"
)

// Source kinds.
const (
	SourceFFmpeg  = "ffmpeg"
	SourceDir     = "dir"
	SourceURL     = "url"
	SourcePattern = "pattern"
)

type Config struct {
	Addr         string        `yaml:"addr"`
	Quality      string        `yaml:"quality"`
	MaxFPS       int           `yaml:"max_fps"`
	MaxWait      time.Duration `yaml:"max_wait"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	QualityFile  string        `yaml:"quality_file"`
	DataDir      string        `yaml:"data_dir"`
	Verbose      bool          `yaml:"verbose"`

	Source  SourceConfig  `yaml:"source"`
	Backend BackendConfig `yaml:"backend"`
	HomeKit HomeKitConfig `yaml:"homekit"`
}

// SourceConfig selects the camera pipeline.
type SourceConfig struct {
	Kind          string `yaml:"kind"` // ffmpeg, dir, url, pattern
	VideoDevice   string `yaml:"video_device"`
	VideoFilename string `yaml:"video_filename"`
	Framerate     int    `yaml:"framerate"`
	Dir           string `yaml:"dir"`
	URL           string `yaml:"url"`
}

// BackendConfig controls the snapshot archive.
type BackendConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	MaxSnapshots int    `yaml:"max_snapshots"`
	ButtonGPIO   int    `yaml:"button_gpio"`
}

type HomeKitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Pin     string `yaml:"pin"`
	Name    string `yaml:"name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Addr:         ":8080",
		Quality:      quality.Medium.Name,
		MaxFPS:       30,
		MaxWait:      time.Second,
		WriteTimeout: 10 * time.Second,
		DataDir:      "Camera",
		Source: SourceConfig{
			Kind:          SourcePattern,
			VideoDevice:   "v4l2",
			VideoFilename: "/dev/video0",
			Framerate:     30,
		},
		Backend: BackendConfig{
			Addr:         "0.0.0.0:8081",
			MaxSnapshots: 100,
			ButtonGPIO:   17,
		},
		HomeKit: HomeKitConfig{
			Pin:  "00102003",
			Name: "Camera",
		},
	}
	if runtime.GOOS == "darwin" {
		cfg.Source.VideoDevice = "avfoundation"
		cfg.Source.VideoFilename = "default"
		cfg.Backend.ButtonGPIO = 0
	}
	return cfg
}

// Load reads a YAML file over the defaults. The result is not validated,
// since command line flags may still override it; call Validate once the
// final configuration is assembled.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be corrected at runtime.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := quality.Parse(cfg.Quality); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxFPS <= 0 {
		errs = append(errs, fmt.Errorf("max_fps must be positive, got %d", cfg.MaxFPS))
	}
	if cfg.MaxWait < 0 || cfg.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	switch cfg.Source.Kind {
	case SourceFFmpeg:
		if cfg.Source.VideoDevice == "" || cfg.Source.VideoFilename == "" {
			errs = append(errs, errors.New("ffmpeg source needs video_device and video_filename"))
		}
	case SourceDir:
		if cfg.Source.Dir == "" {
			errs = append(errs, errors.New("dir source needs a directory"))
		}
	case SourceURL:
		if cfg.Source.URL == "" {
			errs = append(errs, errors.New("url source needs a url"))
		}
	case SourcePattern:
	default:
		errs = append(errs, fmt.Errorf("unknown source kind %q", cfg.Source.Kind))
	}

	if cfg.HomeKit.Enabled && len(cfg.HomeKit.Pin) != 8 {
		errs = append(errs, errors.New("homekit pin must have 8 digits"))
	}

	return errors.Join(errs...)
}
