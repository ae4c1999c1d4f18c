package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/burrow/pkg/ingress"
	"github.com/cuemby/burrow/pkg/remote"
	"gopkg.in/yaml.v3"
)

// ErrMissingSecret is returned when a declared secret is not set in the
// operator's environment
var ErrMissingSecret = errors.New("secret not set in local environment")

// LookupFunc reads a variable from the operator's environment
type LookupFunc func(name string) (string, bool)

// EnvVar is a cleartext environment variable
type EnvVar struct {
	Name  string
	Value string
}

// EnvConfig declares the environment of the service. Clear variables are
// written as given; secret variables are read from the operator's
// environment at deploy time.
type EnvConfig struct {
	Clear  EnvList  `yaml:"clear,omitempty"`
	Secret []string `yaml:"secret,omitempty"`
}

// EnvList keeps cleartext variables in declaration order. In YAML it is a
// list of single-entry mappings; a plain mapping is also accepted and
// sorted by name.
type EnvList []EnvVar

// UnmarshalYAML decodes both list and mapping notations
func (l *EnvList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: env entry must be NAME: value", item.Line)
			}
			vars, err := mappingVars(item)
			if err != nil {
				return err
			}
			*l = append(*l, vars...)
		}
		return nil
	case yaml.MappingNode:
		vars, err := mappingVars(node)
		if err != nil {
			return err
		}
		sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
		*l = append(*l, vars...)
		return nil
	}
	return fmt.Errorf("line %d: env clear must be a list of NAME: value entries", node.Line)
}

func mappingVars(node *yaml.Node) ([]EnvVar, error) {
	var vars []EnvVar
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: env value of %s must be a scalar", value.Line, key.Value)
		}
		vars = append(vars, EnvVar{Name: key.Value, Value: value.Value})
	}
	return vars, nil
}

// RenderEnv returns the environment file sourced by hooks and start
// commands. Every declared secret must be set in the operator's environment.
func (c *Config) RenderEnv(lookup LookupFunc) (string, error) {
	var b strings.Builder
	for _, v := range c.Env.Clear {
		fmt.Fprintf(&b, "export %s='%s'\n", v.Name, remote.EnvValue(v.Value))
	}
	for _, name := range c.Env.Secret {
		value, ok := lookup(name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingSecret, name)
		}
		fmt.Fprintf(&b, "export %s='%s'\n", name, remote.EnvValue(value))
	}
	if len(c.Mise) > 0 {
		b.WriteString("\neval \"$(mise activate bash)\"\n")
	}
	return b.String(), nil
}

// Certificate resolves the manually managed certificate from the
// operator's environment. It returns nil when the proxy has no ssl section.
func (c *Config) Certificate(lookup LookupFunc) (*ingress.Certificate, error) {
	if c.Proxy == nil || c.Proxy.SSL == nil {
		return nil, nil
	}
	cert, ok := lookup(c.Proxy.SSL.CertificatePEM)
	if !ok {
		return nil, fmt.Errorf("%w: %s (certificate)", ErrMissingSecret, c.Proxy.SSL.CertificatePEM)
	}
	key, ok := lookup(c.Proxy.SSL.PrivateKeyPEM)
	if !ok {
		return nil, fmt.Errorf("%w: %s (private key)", ErrMissingSecret, c.Proxy.SSL.PrivateKeyPEM)
	}
	return &ingress.Certificate{CertificatePEM: cert, PrivateKeyPEM: key}, nil
}
