package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the service description is looked up
const DefaultPath = "config/burrow.yml"

// DefaultTimeout bounds every remote command
const DefaultTimeout = 30 * time.Minute

// Config is the declarative description of a service and where it runs
type Config struct {
	Service         string            `yaml:"service"`
	User            string            `yaml:"user,omitempty"`
	Hosts           []string          `yaml:"hosts"`
	Doas            bool              `yaml:"doas,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty"`
	Jail            JailConfig        `yaml:"jail,omitempty"`
	Proxy           *ProxyConfig      `yaml:"proxy,omitempty"`
	Packages        []string          `yaml:"packages,omitempty"`
	Mise            map[string]string `yaml:"mise,omitempty"`
	Env             EnvConfig         `yaml:"env,omitempty"`
	BeforeStart     []string          `yaml:"before_start,omitempty"`
	Start           []string          `yaml:"start"`
	DataDirectories []DataDirectory   `yaml:"data_directories,omitempty"`
	HealthCheck     *HealthCheck      `yaml:"healthcheck,omitempty"`
}

// JailConfig tunes jail creation
type JailConfig struct {
	BaseVersion string `yaml:"base_version,omitempty"`
	IPRange     string `yaml:"ip_range,omitempty"`
	Keep        int    `yaml:"keep,omitempty"`
}

// ProxyConfig routes a hostname to the service's port
type ProxyConfig struct {
	Hostname string     `yaml:"hostname"`
	Port     int        `yaml:"port"`
	TLS      *bool      `yaml:"tls,omitempty"`
	SSL      *SSLConfig `yaml:"ssl,omitempty"`
}

// SSLConfig names the local environment variables holding a manually
// managed certificate and its key
type SSLConfig struct {
	CertificatePEM string `yaml:"certificate_pem"`
	PrivateKeyPEM  string `yaml:"private_key_pem"`
}

// HealthCheck gates the proxy switch on the new jail answering. Command
// runs inside the jail; otherwise path is requested over HTTP on the proxy
// port, or the port is only connected to when path is empty.
type HealthCheck struct {
	Path     string        `yaml:"path,omitempty"`
	Command  string        `yaml:"command,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// Default health check timings
const (
	DefaultHealthTimeout  = time.Minute
	DefaultHealthInterval = 2 * time.Second
)

// DataDirectory is a persistent host directory bound into every jail.
// In YAML it is either "/path", bound at the same path, or a single-entry
// mapping "/host/path": "/jail/path".
type DataDirectory types.DataDirectory

// UnmarshalYAML accepts both data directory notations
func (d *DataDirectory) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		d.HostPath = node.Value
		d.JailPath = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: data directory must map one host path to one jail path", node.Line)
		}
		d.HostPath = node.Content[0].Value
		d.JailPath = node.Content[1].Value
		return nil
	}
	return fmt.Errorf("line %d: data directory must be a path or a host: jail mapping", node.Line)
}

// MarshalYAML writes the short form when both paths are equal
func (d DataDirectory) MarshalYAML() (any, error) {
	if d.HostPath == d.JailPath {
		return d.HostPath, nil
	}
	return map[string]string{d.HostPath: d.JailPath}, nil
}

// Load reads, defaults and validates a service description
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a service description
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Jail.IPRange == "" {
		c.Jail.IPRange = types.DefaultSubnet
	}
	if c.Jail.Keep == 0 {
		c.Jail.Keep = types.DefaultJailKeep
	}
	if hc := c.HealthCheck; hc != nil {
		if hc.Timeout == 0 {
			hc.Timeout = DefaultHealthTimeout
		}
		if hc.Interval == 0 {
			hc.Interval = DefaultHealthInterval
		}
	}
}

// Subnet returns the parsed jail address range
func (c *Config) Subnet() (*net.IPNet, error) {
	return network.ParseSubnet(c.Jail.IPRange)
}

// Bindings returns the data directories as domain bindings
func (c *Config) Bindings() []types.DataDirectory {
	dirs := make([]types.DataDirectory, len(c.DataDirectories))
	for i, d := range c.DataDirectories {
		dirs[i] = types.DataDirectory(d)
	}
	return dirs
}

// TLSMode returns how the proxy terminates TLS for the service
func (p *ProxyConfig) TLSMode() types.TLSMode {
	if p.SSL != nil {
		return types.TLSManual
	}
	if p.TLS == nil || *p.TLS {
		return types.TLSAuto
	}
	return types.TLSOff
}

// Route returns the proxy route targeting ip
func (p *ProxyConfig) Route(ip string) types.ProxyRoute {
	return types.ProxyRoute{
		Hostname: p.Hostname,
		TLS:      p.TLSMode(),
		Backend:  net.JoinHostPort(ip, strconv.Itoa(p.Port)),
	}
}
