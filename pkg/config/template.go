package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists is returned by WriteTemplate when the file is already there
var ErrExists = errors.New("config file already exists")

// Template is the commented starting point written by burrow init
const Template = `# burrow service description

# Service name (required)
service: myapp

# FreeBSD hosts to deploy to over SSH (required)
hosts:
  - bsd.example.com

# Prefix privileged commands with doas (optional, default: false)
doas: true

# User the application runs as inside the jail (optional)
user: myapp

# Timeout for each remote command (optional, default: 30m)
# timeout: 30m

# Jail settings (optional)
jail:
  # FreeBSD release for the base system (optional, defaults to the host's)
  # base_version: "14.1-RELEASE"

  # Jail address range, must be a /24 (optional, default: 10.0.0.0/24)
  ip_range: "10.0.0.0/24"

  # Jails kept on each host, the serving one included (optional, default: 3)
  # keep: 3

# Reverse proxy (optional)
# Caddy forwards hostname to the port inside the serving jail
proxy:
  hostname: myapp.example.com
  port: 3000
  # tls: true  # Caddy-managed certificates, default: true
  # ssl:       # certificate from local environment variables instead
  #   certificate_pem: MYAPP_CERT_PEM
  #   private_key_pem: MYAPP_KEY_PEM

# Wait for the new jail to answer before switching traffic (optional)
# healthcheck:
#   path: /up          # HTTP GET on the proxy port; TCP connect when omitted
#   # command: bin/healthcheck   # or run a command inside the jail
#   timeout: 1m
#   interval: 2s

# Packages installed in the image (optional)
packages:
  - curl
  - libyaml

# Runtimes installed in the image with mise (optional)
mise:
  ruby: 3.4.7
  # node: 22.11.0

# Environment (optional)
env:
  # Written as given
  clear:
    - PORT: "3000"
    - RAILS_ENV: production

  # Read from your local environment when deploying
  secret:
    - SECRET_KEY_BASE

# Run inside the jail before starting, with outbound network access (optional)
before_start:
  - bundle install
  - bin/rails assets:precompile
  - bin/rails db:migrate

# Long-running processes, started as daemons (required)
start:
  - bin/rails server

# Host directories kept across deploys (optional)
# "/host/path": "/jail/path", or "/path" to use the same path in both
data_directories:
  - /var/db/burrow/myapp/storage: /app/storage
`

// WriteTemplate writes Template to path, creating parent directories. An
// existing file is never overwritten.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return err
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
