package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cuemby/burrow/pkg/volume"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

var (
	serviceName = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*(-[a-z0-9_]+)*$`)

	// timestampSuffix would make jail names of the service ambiguous
	timestampSuffix = regexp.MustCompile(`-\d{8}-\d{6}$`)

	userName = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	envName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidationError lists every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Unwrap lets errors.Is match ErrInvalid
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

// Validate checks the configuration and reports all problems at once
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Service == "":
		add("service is required")
	case !serviceName.MatchString(c.Service) || timestampSuffix.MatchString(c.Service):
		add("service %q must be lowercase letters, digits, '_' and '-' and must not end in a timestamp", c.Service)
	}
	if c.User != "" && !userName.MatchString(c.User) {
		add("user %q is not a valid user name", c.User)
	}

	if len(c.Hosts) == 0 {
		add("at least one host is required")
	}
	for _, h := range c.Hosts {
		if strings.TrimSpace(h) == "" {
			add("hosts must not be empty")
		}
	}

	if len(c.Start) == 0 {
		add("at least one start command is required")
	}
	if c.Timeout < 0 {
		add("timeout must be positive")
	}

	if _, err := c.Subnet(); err != nil {
		add("jail.ip_range: %v", err)
	}
	if c.Jail.Keep < 0 {
		add("jail.keep must not be negative")
	}

	if p := c.Proxy; p != nil {
		if p.Hostname == "" {
			add("proxy.hostname is required")
		}
		if p.Port < 1 || p.Port > 65535 {
			add("proxy.port %d is out of range", p.Port)
		}
		if p.SSL != nil && (p.SSL.CertificatePEM == "" || p.SSL.PrivateKeyPEM == "") {
			add("proxy.ssl needs certificate_pem and private_key_pem")
		}
	}

	if hc := c.HealthCheck; hc != nil {
		switch {
		case hc.Command == "" && c.Proxy == nil:
			add("healthcheck needs a command or a proxy port to probe")
		case hc.Path != "" && !strings.HasPrefix(hc.Path, "/"):
			add("healthcheck.path %q must start with /", hc.Path)
		}
		if hc.Timeout < 0 || hc.Interval < 0 {
			add("healthcheck timeout and interval must be positive")
		}
	}

	for tool, version := range c.Mise {
		if tool == "" || version == "" {
			add("mise tools need a name and a version")
		}
	}

	for _, v := range c.Env.Clear {
		if !envName.MatchString(v.Name) {
			add("env.clear: %q is not a valid variable name", v.Name)
		}
	}
	for _, name := range c.Env.Secret {
		if !envName.MatchString(name) {
			add("env.secret: %q is not a valid variable name", name)
		}
	}

	for _, d := range c.Bindings() {
		if err := volume.Validate(d); err != nil {
			add("data_directories: %v", err)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
