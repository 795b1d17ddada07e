// Package config loads and saves the brewie configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/gwillem/brewie/pkg/leader"
	"github.com/gwillem/brewie/pkg/logging"
	"github.com/gwillem/brewie/pkg/robot"
	"github.com/gwillem/brewie/pkg/teleop"
)

const DefaultConfigFile = "brewie.json"

// Teleoperation sources.
const (
	SourceLeader   = "leader"
	SourceJoystick = "joystick"
)

// Teleop configures the teleoperate command.
type Teleop struct {
	Hz       int                   `json:"hz" yaml:"hz"`
	Source   string                `json:"source" yaml:"source"`
	Joystick teleop.JoystickConfig `json:"joystick" yaml:"joystick"`
}

// File is the on-disk configuration.
type File struct {
	Robot  robot.Config   `json:"robot" yaml:"robot"`
	Leader leader.Config  `json:"leader" yaml:"leader"`
	Teleop Teleop         `json:"teleop" yaml:"teleop"`
	Log    logging.Config `json:"log" yaml:"log"`
}

// Default returns the configuration used when no file exists.
func Default() *File {
	return &File{
		Robot: robot.DefaultConfig(),
		Teleop: Teleop{
			Hz:       teleop.DefaultHz,
			Source:   SourceLeader,
			Joystick: teleop.DefaultJoystickConfig(),
		},
	}
}

// Validate checks every section.
func (f *File) Validate() error {
	if err := f.Robot.Validate(); err != nil {
		return fmt.Errorf("robot: %w", err)
	}
	if f.Teleop.Hz <= 0 {
		return errors.New("teleop: hz must be positive")
	}
	switch f.Teleop.Source {
	case SourceLeader, SourceJoystick:
	default:
		return fmt.Errorf("teleop: unknown source %q", f.Teleop.Source)
	}
	if _, err := logging.ParseLevel(f.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from the default config file.
func LoadConfig() (*File, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads a JSON (comments allowed) or YAML file. Keys the
// file leaves out keep their default value.
func LoadConfigFrom(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, isYAML(path))
}

// Parse decodes a configuration document over the defaults.
func Parse(data []byte, asYAML bool) (*File, error) {
	cfg := Default()
	// maps are replaced wholesale, not merged into the defaults
	cfg.Robot.ServoMapping = nil

	if asYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	if cfg.Robot.ServoMapping == nil {
		cfg.Robot.ServoMapping = robot.DefaultServoMapping()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to the default config file.
func (f *File) Save() error {
	return f.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration, as YAML if the extension says so.
func (f *File) SaveTo(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(f)
	} else {
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if path exists.
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
