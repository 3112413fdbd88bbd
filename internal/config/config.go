// Package config loads the daemon configuration: global settings plus the list of programs to supervise.
//
// The file is YAML:
//
//	tick_interval: 500ms
//	listen: 127.0.0.1:9115
//	log_dir: /var/log/roster
//	programs:
//	  - name: db
//	    command: [/usr/bin/postgres, -D, /var/lib/pg]
//	    rank: 0
//	  - name: api
//	    command: [/usr/local/bin/api]
//	    rank: 1
//
// A program's rank decides its phase: lower ranks are started and stopped first. Programs without a rank share rank 0.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTickInterval    = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
	DefaultStartSecs       = time.Second
	DefaultStartRetries    = 3
	DefaultStopTimeout     = 10 * time.Second
	DefaultStopSignal      = "TERM"

	// Ticks outside this range make sequences either sluggish or needlessly busy.
	minTickInterval = 50 * time.Millisecond
	maxTickInterval = 5 * time.Second
)

// Config is the daemon configuration.
type Config struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Listen          string        `yaml:"listen,omitempty"`  // HTTP status address, disabled when empty
	LogDir          string        `yaml:"log_dir,omitempty"` // default directory for program logs
	Autostart       *bool         `yaml:"autostart,omitempty"`
	Programs        []Program     `yaml:"programs"`
}

// Program describes one supervised program.
type Program struct {
	Name         string            `yaml:"name"`
	Command      []string          `yaml:"command"`
	Dir          string            `yaml:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Rank         int               `yaml:"rank"`
	StartSecs    time.Duration     `yaml:"start_secs"`
	StartRetries *int              `yaml:"start_retries,omitempty"`
	StopSignal   string            `yaml:"stop_signal"`
	StopTimeout  time.Duration     `yaml:"stop_timeout"`
	AutoRestart  bool              `yaml:"autorestart"`
	LogFile      string            `yaml:"log_file,omitempty"`
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a Config, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Autostart == nil {
		on := true
		c.Autostart = &on
	}
	for i := range c.Programs {
		p := &c.Programs[i]
		if p.StartSecs == 0 {
			p.StartSecs = DefaultStartSecs
		}
		if p.StartRetries == nil {
			n := DefaultStartRetries
			p.StartRetries = &n
		}
		if p.StopSignal == "" {
			p.StopSignal = DefaultStopSignal
		}
		if p.StopTimeout == 0 {
			p.StopTimeout = DefaultStopTimeout
		}
		if p.LogFile == "" && c.LogDir != "" {
			p.LogFile = filepath.Join(c.LogDir, p.Name+".log")
		}
	}
}

// Validate reports the first problem found in the configuration.
func (c *Config) Validate() error {
	if c.TickInterval < minTickInterval || c.TickInterval > maxTickInterval {
		return fmt.Errorf("tick_interval %s out of range [%s, %s]", c.TickInterval, minTickInterval, maxTickInterval)
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	if len(c.Programs) == 0 {
		return errors.New("no programs configured")
	}

	seen := make(map[string]struct{}, len(c.Programs))
	for i, p := range c.Programs {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("program #%d: name is required", i+1)
		}
		if strings.ContainsAny(name, "/ \t") {
			return fmt.Errorf("program %q: name must not contain slashes or whitespace", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("program %q: duplicate name", name)
		}
		seen[name] = struct{}{}

		if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
			return fmt.Errorf("program %q: command is required", name)
		}
		if p.StartSecs < 0 || p.StopTimeout < 0 {
			return fmt.Errorf("program %q: durations must not be negative", name)
		}
		if p.StartRetries != nil && *p.StartRetries < 0 {
			return fmt.Errorf("program %q: start_retries must not be negative", name)
		}
		if _, err := ParseSignal(p.StopSignal); err != nil {
			return fmt.Errorf("program %q: %w", name, err)
		}
	}
	return nil
}

// Environ returns the program's environment as KEY=VALUE pairs appended to the daemon's own environment.
func (p Program) Environ() []string {
	env := os.Environ()
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	return env
}

var signals = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"HUP":  syscall.SIGHUP,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// ParseSignal accepts a signal name with or without the SIG prefix, in any case.
func ParseSignal(name string) (syscall.Signal, error) {
	key := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	sig, ok := signals[key]
	if !ok {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
