package ingress

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// importLine makes the main Caddyfile load every per-service site
const importLine = "import conf.d/*.caddy"

// caddyUser owns installed certificates on FreeBSD
const caddyUser = "www:www"

// Certificate is PEM material for a manually managed certificate
type Certificate struct {
	CertificatePEM string
	PrivateKeyPEM  string
}

// ConfPath returns the site file of a service
func ConfPath(service string) string {
	return path.Join(types.CaddyConfDir, service+".caddy")
}

// CertPath returns the certificate file of a service
func CertPath(service string) string {
	return path.Join(types.CaddyCertsDir, service+".crt")
}

// KeyPath returns the private key file of a service
func KeyPath(service string) string {
	return path.Join(types.CaddyCertsDir, service+".key")
}

// Render returns the Caddy site block for a route
func Render(route types.ProxyRoute, service string) string {
	address := route.Hostname
	if route.TLS == types.TLSOff || route.TLS == "" {
		address = "http://" + route.Hostname
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s {\n", address)
	if route.TLS == types.TLSManual {
		fmt.Fprintf(&b, "    tls %s %s\n", CertPath(service), KeyPath(service))
	}
	fmt.Fprintf(&b, "    reverse_proxy %s\n", route.Backend)
	b.WriteString("}\n")
	return b.String()
}

// ParseBackend extracts the reverse_proxy upstream from a site block
func ParseBackend(site string) (string, bool) {
	for _, line := range remote.Lines(site) {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "reverse_proxy" {
			return fields[1], true
		}
	}
	return "", false
}

// Caddy installs per-service sites into a host's Caddy
type Caddy struct {
	exec   remote.Executor
	logger zerolog.Logger
}

// NewCaddy creates a Caddy configuration manager
func NewCaddy(exec remote.Executor) *Caddy {
	return &Caddy{
		exec:   exec,
		logger: log.WithComponent("ingress"),
	}
}

// Install writes the service's site file, installing the certificate first
// for manual TLS, validates the result and reloads Caddy. A site Caddy
// rejects is rolled back to what was there before.
func (c *Caddy) Install(ctx context.Context, host, service string, route types.ProxyRoute, cert *Certificate) error {
	if route.TLS == types.TLSManual {
		if cert == nil {
			return fmt.Errorf("route %s uses manual TLS without a certificate", route.Hostname)
		}
		if err := c.InstallCertificate(ctx, host, service, *cert); err != nil {
			return err
		}
	}

	if err := c.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", types.CaddyConfDir)); err != nil {
		return err
	}
	previous, hadPrevious, err := c.site(ctx, host, service)
	if err != nil {
		return err
	}
	if err := c.exec.WriteFile(ctx, host, []byte(Render(route, service)), ConfPath(service), true); err != nil {
		return fmt.Errorf("failed to write proxy config: %w", err)
	}
	if err := c.Validate(ctx, host); err != nil {
		c.restore(ctx, host, service, previous, hadPrevious)
		return err
	}
	if err := c.Reload(ctx, host); err != nil {
		return err
	}
	c.logger.Info().Str("host", host).Str("service", service).Str("backend", route.Backend).Msg("proxy updated")
	return nil
}

// InstallCertificate writes the certificate and key readable only by Caddy
func (c *Caddy) InstallCertificate(ctx context.Context, host, service string, cert Certificate) error {
	certPath, keyPath := CertPath(service), KeyPath(service)

	if err := c.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", types.CaddyCertsDir)); err != nil {
		return err
	}
	if err := c.exec.WriteFile(ctx, host, []byte(cert.CertificatePEM), certPath, true); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	// tee keeps the mode of an existing file, so the key is never readable
	if err := c.exec.Run(ctx, host, remote.Sudo("install", "-m", "600", "/dev/null", keyPath)); err != nil {
		return err
	}
	if err := c.exec.WriteFile(ctx, host, []byte(cert.PrivateKeyPEM), keyPath, true); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := c.exec.Run(ctx, host, remote.Sudo("chmod", "600", certPath, keyPath)); err != nil {
		return err
	}
	return c.exec.Run(ctx, host, remote.Sudo("chown", caddyUser, certPath, keyPath))
}

// Remove deletes the service's site file and reloads Caddy
func (c *Caddy) Remove(ctx context.Context, host, service string) error {
	if err := c.exec.Run(ctx, host, remote.Sudo("rm", "-f", ConfPath(service))); err != nil {
		return fmt.Errorf("failed to remove proxy config: %w", err)
	}
	return c.Reload(ctx, host)
}

// Reload makes Caddy pick up changed site files
func (c *Caddy) Reload(ctx context.Context, host string) error {
	if err := c.exec.Run(ctx, host, remote.Sudo("service", "caddy", "reload")); err != nil {
		return fmt.Errorf("failed to reload caddy: %w", err)
	}
	return nil
}

// Validate checks the main Caddyfile and every imported site
func (c *Caddy) Validate(ctx context.Context, host string) error {
	cmd := remote.Sudo("caddy", "validate", "--config", types.CaddyFile, "--adapter", "caddyfile")
	if out, err := c.exec.Output(ctx, host, cmd); err != nil {
		c.logger.Debug().Str("host", host).Str("output", out).Msg("caddy validate failed")
		return fmt.Errorf("invalid proxy config: %w", err)
	}
	return nil
}

func (c *Caddy) site(ctx context.Context, host, service string) (string, bool, error) {
	out, err := c.exec.Output(ctx, host, remote.Sudo("cat", ConfPath(service)))
	if err != nil {
		if remote.IsExit(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return out, true, nil
}

// restore puts back the site Install replaced so a rejected config does not
// break the next reload
func (c *Caddy) restore(ctx context.Context, host, service, previous string, hadPrevious bool) {
	var err error
	if hadPrevious {
		err = c.exec.WriteFile(ctx, host, []byte(previous), ConfPath(service), true)
	} else {
		err = c.exec.Run(ctx, host, remote.Sudo("rm", "-f", ConfPath(service)))
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("host", host).Str("service", service).Msg("failed to restore proxy config")
	}
}

// Backend returns the upstream the service's site currently proxies to
func (c *Caddy) Backend(ctx context.Context, host, service string) (string, bool, error) {
	out, ok, err := c.site(ctx, host, service)
	if err != nil || !ok {
		return "", false, err
	}
	backend, ok := ParseBackend(out)
	return backend, ok, nil
}

// EnsureMainConfig makes the main Caddyfile import the per-service sites,
// creating it when missing and leaving other content in place
func (c *Caddy) EnsureMainConfig(ctx context.Context, host string) error {
	if err := c.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", types.CaddyConfDir)); err != nil {
		return err
	}

	out, err := c.exec.Output(ctx, host, remote.Sudo("cat", types.CaddyFile))
	if err != nil && !remote.IsExit(err) {
		return err
	}
	if err == nil {
		for _, line := range remote.Lines(out) {
			if line == importLine {
				return nil
			}
		}
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
	}

	if err := c.exec.WriteFile(ctx, host, []byte(out+importLine+"\n"), types.CaddyFile, true); err != nil {
		return fmt.Errorf("failed to write Caddyfile: %w", err)
	}
	return nil
}

// Enable enables Caddy at boot and restarts it
func (c *Caddy) Enable(ctx context.Context, host string) error {
	cmds := []remote.Command{
		remote.Sudo("sysrc", "caddy_enable=YES"),
		remote.Sudo("service", "caddy", "enable"),
		remote.Sudo("service", "caddy", "restart"),
	}
	for _, cmd := range cmds {
		if err := c.exec.Run(ctx, host, cmd); err != nil {
			return fmt.Errorf("failed to start caddy: %w", err)
		}
	}
	return nil
}
