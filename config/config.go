package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-ghaffar01/cpp-server/internal/files"
	"github.com/abdul-ghaffar01/cpp-server/launcher"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Supervisor   SupervisorConfig `yaml:"supervisor"`
	WorkDir      string           `yaml:"workdir"`
	Docker       DockerConfig     `yaml:"docker"`
	Applications launcher.Table   `yaml:"applications"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	TLSCA      string `yaml:"tls_ca"`
}

type SupervisorConfig struct {
	MaxSessions       int           `yaml:"max_sessions"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	MaxBufferChunks   int           `yaml:"max_buffer_chunks"`
	GraceWindow       time.Duration `yaml:"grace_window"`
	KillTimeout       time.Duration `yaml:"kill_timeout"`
	StartRate         float64       `yaml:"start_rate"`
	StartBurst        int           `yaml:"start_burst"`
}

type DockerConfig struct {
	DefaultImage string `yaml:"default_image"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "0.0.0.0:4000",
		},
		Supervisor: SupervisorConfig{
			MaxSessions:       30,
			InactivityTimeout: 5 * time.Minute,
			MaxBufferChunks:   100,
			GraceWindow:       300 * time.Millisecond,
			KillTimeout:       10 * time.Second,
			StartBurst:        5,
		},
		WorkDir:      ".",
		Applications: launcher.Table{},
	}
}

// Load reads the config file at path. A bare file name is searched for in the current
// directory and its parents.
func Load(path string) (*Config, error) {
	resolved, err := locate(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", resolved, err)
	}

	// relative work dirs are relative to the config file
	if !filepath.IsAbs(cfg.WorkDir) {
		cfg.WorkDir = filepath.Join(filepath.Dir(resolved), cfg.WorkDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", resolved, err)
	}
	return cfg, nil
}

func locate(path string) (string, error) {
	if strings.ContainsRune(path, filepath.Separator) {
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working dir: %w", err)
	}
	found, err := files.FindUp(path, wd)
	if err != nil {
		return "", fmt.Errorf("locating config file %q from %s: %w", path, wd, err)
	}
	return found, nil
}

func (c *Config) Validate() error {
	s := c.Supervisor
	switch {
	case s.MaxSessions <= 0:
		return fmt.Errorf("supervisor.max_sessions must be positive, got %d", s.MaxSessions)
	case s.InactivityTimeout <= 0:
		return fmt.Errorf("supervisor.inactivity_timeout must be positive, got %s", s.InactivityTimeout)
	case s.MaxBufferChunks <= 0:
		return fmt.Errorf("supervisor.max_buffer_chunks must be positive, got %d", s.MaxBufferChunks)
	case s.GraceWindow < 0:
		return fmt.Errorf("supervisor.grace_window must not be negative, got %s", s.GraceWindow)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.TLSCA != "" && c.Server.TLSCert == "" {
		return fmt.Errorf("server.tls_ca requires server.tls_cert and server.tls_key")
	}
	return c.Applications.Validate()
}
