package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pbudner/pulselog/encoding"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	SensorSource = "sources.sensor"

	envSensorAPIKey = "PULSELOG_SENSOR_API_KEY"
	envClientAPIKey = "PULSELOG_CLIENT_API_KEY"
)

// Component is one entry of the sources list. Every key besides name and
// disabled is handed to the component as its configuration.
type Component struct {
	Name     string
	Disabled bool
	Config   map[string]interface{}
}

func (c *Component) UnmarshalYAML(value *yaml.Node) error {
	raw := make(map[string]interface{})
	if err := value.Decode(&raw); err != nil {
		return err
	}

	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("line %d: component without a name", value.Line)
	}
	c.Name = name
	delete(raw, "name")

	if disabled, found := raw["disabled"]; found {
		b, ok := disabled.(bool)
		if !ok {
			return fmt.Errorf("line %d: disabled of %s must be a boolean", value.Line, name)
		}
		c.Disabled = b
		delete(raw, "disabled")
	}

	c.Config = raw
	return nil
}

type Config struct {
	Listener       string          `yaml:"listener"`
	DataDir        string          `yaml:"data-dir"`
	RecordWidth    uint64          `yaml:"record-width"`
	IndexWidth     uint64          `yaml:"index-width"`
	TimestampWidth uint64          `yaml:"timestamp-width"`
	Resolutions    []time.Duration `yaml:"resolutions"`
	MaxGap         time.Duration   `yaml:"max-gap"`
	MaxRequestBars uint64          `yaml:"max-request-bars"`
	QueueSize      int             `yaml:"queue-size"`
	ClientAPIKey   string          `yaml:"client-api-key"`
	Logger         struct {
		Level       zapcore.Level `yaml:"level"`
		Development bool          `yaml:"development"`
	} `yaml:"logger"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Sources []Component `yaml:"sources"`
}

// NewConfig reads and validates the config file at path.
func NewConfig(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return decode(yaml.NewDecoder(file))
}

func NewConfigFromStr(s []byte) (*Config, error) {
	return decode(yaml.NewDecoder(bytes.NewReader(s)))
}

func decode(d *yaml.Decoder) (*Config, error) {
	config := &Config{}
	// an empty file is a valid, all-defaults config
	if err := d.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	config.applyDefaults()
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Listener == "" {
		c.Listener = "localhost:4711"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.RecordWidth == 0 {
		c.RecordWidth = uint64(encoding.Width32)
	}
	if c.IndexWidth == 0 {
		c.IndexWidth = uint64(encoding.Width32)
	}
	if c.TimestampWidth == 0 {
		c.TimestampWidth = c.RecordWidth
	}
	if len(c.Resolutions) == 0 {
		c.Resolutions = []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour}
	}
	if c.MaxGap == 0 {
		c.MaxGap = 7 * 24 * time.Hour
	}
	if c.MaxRequestBars == 0 {
		c.MaxRequestBars = 1000
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if len(c.Sources) == 0 {
		c.Sources = []Component{{Name: SensorSource, Config: map[string]interface{}{}}}
	}
}

func (c *Config) applyEnv() {
	if key := os.Getenv(envClientAPIKey); key != "" {
		c.ClientAPIKey = key
	}

	if key := os.Getenv(envSensorAPIKey); key != "" {
		for i := range c.Sources {
			if c.Sources[i].Name == SensorSource {
				if c.Sources[i].Config == nil {
					c.Sources[i].Config = make(map[string]interface{})
				}
				c.Sources[i].Config["api-key"] = key
			}
		}
	}
}

// Validate checks everything that can be checked without opening files.
func (c *Config) Validate() error {
	for name, w := range map[string]uint64{
		"record-width":    c.RecordWidth,
		"index-width":     c.IndexWidth,
		"timestamp-width": c.TimestampWidth,
	} {
		if err := encoding.Width(w).Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, r := range c.Resolutions {
		if r < time.Millisecond || r%time.Millisecond != 0 {
			return fmt.Errorf("resolution %s is not a positive number of milliseconds", r)
		}
	}

	if c.MaxGap < 0 || c.MaxGap%time.Millisecond != 0 {
		return fmt.Errorf("max-gap %s is not a positive number of milliseconds", c.MaxGap)
	}

	enabled := c.EnabledSources()
	if len(enabled) > 1 {
		return fmt.Errorf("only one source may be enabled, found %d", len(enabled))
	}

	for _, source := range enabled {
		if source.Name == SensorSource {
			if key, _ := source.Config["api-key"].(string); key == "" {
				return fmt.Errorf("%s needs an api-key (or %s)", SensorSource, envSensorAPIKey)
			}
		}
	}

	return nil
}

// ResolutionWidths returns the configured resolutions in milliseconds.
func (c *Config) ResolutionWidths() []uint64 {
	widths := make([]uint64, len(c.Resolutions))
	for i, r := range c.Resolutions {
		widths[i] = uint64(r / time.Millisecond)
	}
	return widths
}

// MaxGapWidth returns the maximum gap between consecutive records in
// milliseconds.
func (c *Config) MaxGapWidth() uint64 {
	return uint64(c.MaxGap / time.Millisecond)
}

func (c *Config) EnabledSources() []Component {
	var enabled []Component
	for _, source := range c.Sources {
		if !source.Disabled {
			enabled = append(enabled, source)
		}
	}
	return enabled
}

// ValidateConfigPath just makes sure, that the path provided is a file,
// that can be read
func ValidateConfigPath(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if s.IsDir() {
		return fmt.Errorf("'%s' is a directory, not a normal file", path)
	}
	return nil
}
