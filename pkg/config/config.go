package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".loupe"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// ConfidenceThreshold is the minimum confidence bucket ("low", "medium"
	// or "high") a recovered value must reach before the stop hook keeps the
	// guess that produced it.
	ConfidenceThreshold string `yaml:"confidence-threshold"`

	// UnpackDepth is how many levels of pointers, struct fields and
	// container elements the unpack command follows.
	UnpackDepth *int `yaml:"unpack-depth,omitempty"`
	// ElaborateDepth is how many levels of a type definition the type
	// command renders.
	ElaborateDepth *int `yaml:"elaborate-depth,omitempty"`
	// BacktraceDepth is the maximum number of frames the bt command walks.
	BacktraceDepth *int `yaml:"backtrace-depth,omitempty"`

	// TypeGuessCacheSize and StringGuessCacheSize bound the number of
	// register guesses remembered between stops.
	TypeGuessCacheSize   *int `yaml:"type-guess-cache-size,omitempty"`
	StringGuessCacheSize *int `yaml:"string-guess-cache-size,omitempty"`

	// If DisableColors is true the prompt and annotations are printed
	// without ANSI colors.
	DisableColors bool `yaml:"disable-colors"`
}

// GetConfidenceThreshold returns the configured display threshold, or the
// default. The value is one of "low", "medium" or "high".
func (c *Config) GetConfidenceThreshold() string {
	switch c.ConfidenceThreshold {
	case "low", "medium", "high":
		return c.ConfidenceThreshold
	}
	return "medium"
}

// GetUnpackDepth returns the configured unpack depth, or the default.
func (c *Config) GetUnpackDepth() int {
	if c.UnpackDepth != nil && *c.UnpackDepth > 0 {
		return *c.UnpackDepth
	}
	return 3
}

// GetElaborateDepth returns the configured type rendering depth, or the default.
func (c *Config) GetElaborateDepth() int {
	if c.ElaborateDepth != nil && *c.ElaborateDepth > 0 {
		return *c.ElaborateDepth
	}
	return 2
}

// GetBacktraceDepth returns the configured backtrace frame cap, or the default.
func (c *Config) GetBacktraceDepth() int {
	if c.BacktraceDepth != nil && *c.BacktraceDepth > 0 {
		return *c.BacktraceDepth
	}
	return 32
}

// GetTypeGuessCacheSize returns the capacity of the typed-pointer guess cache.
func (c *Config) GetTypeGuessCacheSize() int {
	if c.TypeGuessCacheSize != nil && *c.TypeGuessCacheSize > 0 {
		return *c.TypeGuessCacheSize
	}
	return 64
}

// GetStringGuessCacheSize returns the capacity of the string guess cache.
func (c *Config) GetStringGuessCacheSize() int {
	if c.StringGuessCacheSize != nil && *c.StringGuessCacheSize > 0 {
		return *c.StringGuessCacheSize
	}
	return 128
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for loupe.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Minimum confidence bucket a recovered value needs before the stop hook
# keeps the guess that produced it. One of: low, medium, high.
# confidence-threshold: medium

# How many levels of pointers and container elements unpack follows.
# unpack-depth: 3

# How many levels of a type definition the type command renders.
# elaborate-depth: 2

# Maximum number of frames bt walks.
# backtrace-depth: 32

# Capacity of the per-register guess caches kept between stops.
# type-guess-cache-size: 64
# string-guess-cache-size: 128

# Uncomment to disable ANSI colors in the prompt and annotations.
# disable-colors: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
