// Package config loads engine configuration from YAML: host parameters,
// plugin hosting settings and the graph of the root realm.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pipelined.dev/engine"
	"pipelined.dev/engine/block"
	"pipelined.dev/engine/plugin"
)

// ErrInvalid is returned when configuration is inconsistent.
var ErrInvalid = errors.New("invalid configuration")

// Plugin isolation modes.
const (
	IsolationLocal   = "local"
	IsolationProcess = "process"
)

type (
	// Config is the root of configuration file.
	Config struct {
		LogLevel string  `yaml:"log_level"`
		Host     Host    `yaml:"host"`
		Plugins  Plugins `yaml:"plugins"`
		Graph    Graph   `yaml:"graph"`
	}

	// Host holds realm parameters.
	Host struct {
		SampleRate int     `yaml:"sample_rate"`
		BlockSize  int     `yaml:"block_size"`
		Tempo      float64 `yaml:"tempo"`
		// Duration of the program in beats.
		Duration  float64 `yaml:"duration"`
		NoiseSeed int64   `yaml:"noise_seed"`
	}

	// Plugins holds plugin hosting settings.
	Plugins struct {
		plugin.Config `yaml:",inline"`
		// Isolation is either local or process.
		Isolation string `yaml:"isolation"`
		// StateDir is a directory of persistent plugin state. State is kept
		// in memory if it's empty.
		StateDir  string   `yaml:"state_dir"`
		VST2Paths []string `yaml:"vst2_paths"`
	}
)

// Default returns configuration with default values.
func Default() Config {
	return Config{
		LogLevel: "info",
		Host: Host{
			SampleRate: engine.DefaultSampleRate,
			BlockSize:  engine.DefaultBlockSize,
			Tempo:      engine.DefaultTempo,
			Duration:   float64(engine.DefaultDuration),
		},
		Plugins: Plugins{
			Config:    plugin.DefaultConfig(),
			Isolation: IsolationLocal,
		},
	}
}

// Load reads configuration file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes configuration over defaults and validates it.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks configuration.
func (c Config) Validate() error {
	if c.Host.SampleRate <= 0 || c.Host.BlockSize <= 0 {
		return fmt.Errorf("host %d Hz, block %d: %w", c.Host.SampleRate, c.Host.BlockSize, ErrInvalid)
	}
	if c.Host.Tempo <= 0 || c.Host.Duration <= 0 {
		return fmt.Errorf("tempo %v, duration %v: %w", c.Host.Tempo, c.Host.Duration, ErrInvalid)
	}
	switch c.Plugins.Isolation {
	case IsolationLocal, IsolationProcess:
	default:
		return fmt.Errorf("isolation %q: %w", c.Plugins.Isolation, ErrInvalid)
	}
	return c.Graph.Validate()
}

// RealmOptions returns realm options of host parameters.
func (c Config) RealmOptions() []engine.Option {
	return []engine.Option{
		engine.WithHost(c.Host.SampleRate, c.Host.BlockSize),
		engine.WithTempo(c.Host.Tempo, block.MusicalDuration(c.Host.Duration)),
		engine.WithNoiseSeed(c.Host.NoiseSeed),
	}
}

// splitRef splits "node:port" reference. Port names may contain colons.
func splitRef(ref string) (node, port string, err error) {
	node, port, ok := strings.Cut(ref, ":")
	if !ok || node == "" || port == "" {
		return "", "", fmt.Errorf("port reference %q: %w", ref, ErrInvalid)
	}
	return node, port, nil
}
