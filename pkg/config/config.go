// Package config implements the configuration file of the tracer.
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
	configDir  string = ".retrace"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through
// the config file.
type Config struct {
	// SyscallBufferSize is the size in bytes of the per-task syscall
	// buffer shared with the tracee.
	SyscallBufferSize int `yaml:"syscall-buffer-size"`

	// WaitInterruptSeconds bounds a blocking wait on a running task.
	// After this many seconds the wait is interrupted and the task
	// checked for silent death. Zero uses the default.
	WaitInterruptSeconds float64 `yaml:"wait-interrupt-seconds"`

	// LogFlags selects the log layers to enable, comma separated.
	LogFlags string `yaml:"log-flags"`
	// LogDest redirects log output to a file.
	LogDest string `yaml:"log-dest"`

	// BindToCPU forces tracees (and the tracer) onto one CPU. Negative
	// means unbound unless the trace being replayed was bound.
	BindToCPU int `yaml:"bind-to-cpu"`
}

// DefaultSyscallBufferSize is used when the config does not specify one.
const DefaultSyscallBufferSize = 1 << 20

// DefaultWaitInterruptSeconds is used when the config does not specify one.
const DefaultWaitInterruptSeconds = 3.0

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return defaultConfig()
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
		return defaultConfig()
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return defaultConfig()
	}
	applyDefaults(&c)
	return &c
}

// SaveConfig will marshal and save the config struct to disk.
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

func defaultConfig() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

func applyDefaults(c *Config) {
	if c.SyscallBufferSize <= 0 {
		c.SyscallBufferSize = DefaultSyscallBufferSize
	}
	if c.WaitInterruptSeconds <= 0 {
		c.WaitInterruptSeconds = DefaultWaitInterruptSeconds
	}
	if c.BindToCPU == 0 {
		c.BindToCPU = -1
	}
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
	_, err = f.Seek(0, os.SEEK_SET)
	return f, err
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the retrace tracer.

# Size in bytes of the syscall buffer shared with each tracee.
# syscall-buffer-size: 1048576

# Seconds after which a blocking wait on a running tracee is interrupted
# so that silent death can be detected.
# wait-interrupt-seconds: 3

# Comma separated log layers to enable: task, wait, sbuf, spawn.
# log-flags: ""

# File to write logs to, stderr when empty.
# log-dest: ""

# CPU to bind tracees to. Negative leaves the binding to the trace.
# bind-to-cpu: -1
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

// GetConfigFilePath gets the full path of the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("RETRACE_HOME"); configPath != "" {
		return path.Join(configPath, file), nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
