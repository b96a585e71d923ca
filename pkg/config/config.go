package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".hwwatch"
	configFile string = "config.yml"

	DefaultStopTimeout   = 5 * time.Second
	DefaultAttachTimeout = 5 * time.Second
	DefaultHelperTimeout = 10 * time.Second
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// StopTimeout bounds every wait for a stop or exit of the tracee.
	StopTimeout time.Duration `yaml:"stop-timeout,omitempty"`
	// AttachTimeout bounds the retry loop of the helper attaching to its
	// peer.
	AttachTimeout time.Duration `yaml:"attach-timeout,omitempty"`
	// HelperTimeout bounds the wait for the helper to arm the watchpoint or
	// to exit.
	HelperTimeout time.Duration `yaml:"helper-timeout,omitempty"`

	// If StrictChildStatus is true a tracee stop with an unexpected signal
	// aborts the handshake instead of being logged.
	StrictChildStatus bool `yaml:"strict-child-status"`

	// If PreserveControl is true the helper reads back the control
	// register of its peer and only modifies slot 0, instead of writing a
	// control register built from zero.
	PreserveControl bool `yaml:"preserve-control"`
}

// Default returns a Config with every timeout set.
func Default() *Config {
	c := &Config{}
	c.fill()
	return c
}

func (c *Config) fill() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = DefaultAttachTimeout
	}
	if c.HelperTimeout <= 0 {
		c.HelperTimeout = DefaultHelperTimeout
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile, writeDefaultConfig)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := Read(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Default()
	}
	return c
}

// LoadConfigFrom reads the configuration from the file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a configuration and fills in the missing timeouts.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.fill()
	return &c, nil
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

// createDefaultConfig creates the configuration file at path with write
// and returns it open for reading. A partially written file is removed.
func createDefaultConfig(path string, write func(io.Writer) error) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = write(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for hwwatch.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum time to wait for the tracee to stop or exit.
# stop-timeout: 5s

# Maximum time the helper keeps retrying to attach to its peer.
# attach-timeout: 5s

# Maximum time to wait for the helper to arm the watchpoint or to exit.
# helper-timeout: 10s

# Abort the handshake when the tracee stops with an unexpected signal,
# instead of logging it and carrying on.
# strict-child-status: true

# Make the helper preserve the other slots of the control register of its
# peer, instead of writing a control register built from zero.
# preserve-control: true
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
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, "hwwatch", file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
