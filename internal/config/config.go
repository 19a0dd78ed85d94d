package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models qube.yml.
type Config struct {
	Platform struct {
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"platform"`
	Relayer struct {
		URL            string `yaml:"url"`
		EscrowAddress  string `yaml:"escrow_address"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"relayer"`
	Mail struct {
		SMTPHost string `yaml:"smtp_host"`
		SMTPPort string `yaml:"smtp_port"`
		From     string `yaml:"from"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	} `yaml:"mail"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with qube config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.Name == "" {
		return fmt.Errorf("config.platform.name is required")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("config.platform.base_url is required")
	}
	if c.Relayer.URL == "" {
		return fmt.Errorf("config.relayer.url is required")
	}
	if c.Relayer.TimeoutSeconds < 0 {
		return fmt.Errorf("config.relayer.timeout_seconds must not be negative")
	}
	if c.Mail.SMTPHost != "" && c.Mail.SMTPPort == "" {
		return fmt.Errorf("config.mail.smtp_port is required when smtp_host is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "qube.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// Default returns the default Config struct.
func Default(baseURL string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, baseURL)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  name: qube
  base_url: %s

relayer:
  url: http://127.0.0.1:8545
  escrow_address: ""
  timeout_seconds: 30

mail:
  smtp_host: smtp.gmail.com
  smtp_port: "587"
  from: '"Qube" <official@0xqube.xyz>'
  address: official@0xqube.xyz
  password: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
