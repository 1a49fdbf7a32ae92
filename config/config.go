// Package config loads ekodi settings from a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ekodi/analyser"
	"ekodi/client"
	"ekodi/encoder"
	"ekodi/vad"
)

type API struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"` // 0 disables
}

type Audio struct {
	Device  string   `yaml:"device"`
	Formats []string `yaml:"formats"`
}

type Chat struct {
	Lang     string `yaml:"lang"`
	AutoStop bool   `yaml:"auto_stop"`
	AutoPlay bool   `yaml:"auto_play"`
	Speaker  string `yaml:"speaker"`
}

type Config struct {
	API      API             `yaml:"api"`
	Audio    Audio           `yaml:"audio"`
	Chat     Chat            `yaml:"chat"`
	VAD      vad.Config      `yaml:"vad"`
	Analyser analyser.Config `yaml:"analyser"`
}

func Default() *Config {
	return &Config{
		API: API{
			URL:     "http://localhost:8000",
			Timeout: client.DefaultTimeout,
		},
		Audio: Audio{Formats: append([]string{}, encoder.DefaultPreference...)},
		Chat: Chat{
			Lang:     "fr",
			AutoStop: true,
			AutoPlay: true,
			Speaker:  "ekodi",
		},
		VAD:      vad.DefaultConfig(),
		Analyser: analyser.DefaultConfig(),
	}
}

// DefaultPath is config.yaml under the user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "ekodi", "config.yaml")
}

// Load reads path over the defaults. A missing file is not an error
// when optional is set.
func Load(path string, optional bool) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults. Unknown keys
// are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides API settings from EKODI_API_URL, EKODI_TOKEN and
// EKODI_API_KEY.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("EKODI_API_URL"); v != "" {
		c.API.URL = v
	}
	if v := getenv("EKODI_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := getenv("EKODI_API_KEY"); v != "" {
		c.API.APIKey = v
	}
}

// Validate returns every problem found, joined.
func Validate(c *Config) error {
	var errs []error

	if u, err := url.Parse(c.API.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.url %q must be an http(s) URL", c.API.URL))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, fmt.Errorf("api.timeout %s must not be negative", c.API.Timeout))
	}
	if c.Chat.Lang != "fr" && c.Chat.Lang != "bm" {
		errs = append(errs, fmt.Errorf("chat.lang %q is invalid; valid values: fr, bm", c.Chat.Lang))
	}
	if _, err := encoder.Negotiate(c.Audio.Formats); err != nil {
		errs = append(errs, fmt.Errorf("audio.formats: %w", err))
	}

	if c.VAD.Threshold < 0 || c.VAD.Threshold > 255 {
		errs = append(errs, fmt.Errorf("vad.threshold %.1f is out of range [0, 255]", c.VAD.Threshold))
	}
	if c.VAD.Silence <= 0 {
		errs = append(errs, fmt.Errorf("vad.silence must be positive"))
	}
	if c.VAD.MinElapsed < 0 {
		errs = append(errs, fmt.Errorf("vad.min_elapsed must not be negative"))
	}
	if c.VAD.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("vad.poll_interval must be positive"))
	}

	n := c.Analyser.FFTSize
	if n < 32 || n > 32768 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("analyser.fft_size %d must be a power of two in [32, 32768]", n))
	}
	if c.Analyser.Smoothing < 0 || c.Analyser.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("analyser.smoothing %.2f is out of range [0, 1)", c.Analyser.Smoothing))
	}
	if c.Analyser.MaxDecibels <= c.Analyser.MinDecibels {
		errs = append(errs, fmt.Errorf("analyser.max_decibels must exceed min_decibels"))
	}

	return errors.Join(errs...)
}
