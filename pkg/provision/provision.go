// Package provision prepares a FreeBSD host for burrow: host packages,
// the service user, ZFS datasets, service directories, Caddy and the boot
// script. Every step is idempotent, so setup can be re-run at any time.
package provision

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/burrow/pkg/boot"
	"github.com/cuemby/burrow/pkg/ingress"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/ui"
	"github.com/cuemby/burrow/pkg/zfs"
	"github.com/rs/zerolog"
)

// hostPackages are needed on every host
var hostPackages = []string{"caddy", "rsync", "git", "bash", "jq"}

// Plan is what setup installs for one service
type Plan struct {
	Service         string
	User            string
	Packages        []string
	DataDirectories []types.DataDirectory
	Env             string
	Proxy           *types.ProxyRoute // Backend unused; the placeholder targets Port
	Port            int
	Certificate     *ingress.Certificate
}

// Provisioner runs host setup
type Provisioner struct {
	exec   remote.Executor
	zfs    *zfs.Manager
	caddy  *ingress.Caddy
	boot   *boot.Manager
	logger zerolog.Logger
}

// NewProvisioner creates a host provisioner
func NewProvisioner(exec remote.Executor) *Provisioner {
	return &Provisioner{
		exec:   exec,
		zfs:    zfs.NewManager(exec),
		caddy:  ingress.NewCaddy(exec),
		boot:   boot.NewManager(exec),
		logger: log.WithComponent("provision"),
	}
}

// EnvPath returns the host copy of a service's environment file
func EnvPath(service string) string {
	return path.Join(types.ConfigDir, service, "env")
}

// Setup prepares host for plan
func (p *Provisioner) Setup(ctx context.Context, host string, plan Plan, rep ui.Reporter) error {
	if rep == nil {
		rep = ui.Nop{}
	}
	logger := p.logger.With().Str("host", host).Str("service", plan.Service).Logger()

	rep.Step("Installing host packages")
	if err := p.run(ctx, host, "pkg", "update"); err != nil {
		return fmt.Errorf("failed to update package catalogue: %w", err)
	}
	if err := p.pkgInstall(ctx, host, hostPackages); err != nil {
		return err
	}

	if plan.User != "" {
		rep.Step("Creating user %s", plan.User)
		if err := p.ensureUser(ctx, host, plan.User); err != nil {
			return err
		}
	}

	if len(plan.Packages) > 0 {
		rep.Step("Installing service packages")
		if err := p.pkgInstall(ctx, host, plan.Packages); err != nil {
			return err
		}
	}

	rep.Step("Preparing storage")
	onZFS, err := p.ensureStorage(ctx, host)
	if err != nil {
		return err
	}
	logger.Info().Bool("zfs", onZFS).Msg("storage ready")

	rep.Step("Creating service directories")
	if err := p.ensureDirectories(ctx, host, plan); err != nil {
		return err
	}
	if err := p.exec.WriteFile(ctx, host, []byte(plan.Env), EnvPath(plan.Service), true); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}
	if err := p.run(ctx, host, "chmod", "600", EnvPath(plan.Service)); err != nil {
		return err
	}

	rep.Step("Configuring Caddy")
	if err := p.configureCaddy(ctx, host, plan); err != nil {
		return err
	}

	rep.Step("Installing boot script")
	if err := p.boot.Install(ctx, host); err != nil {
		return err
	}

	rep.Done("Host %s ready", host)
	logger.Info().Msg("host setup complete")
	return nil
}

func (p *Provisioner) pkgInstall(ctx context.Context, host string, pkgs []string) error {
	args := append([]string{"pkg", "install", "-y"}, pkgs...)
	if err := p.run(ctx, host, args...); err != nil {
		return fmt.Errorf("failed to install %s: %w", strings.Join(pkgs, " "), err)
	}
	return nil
}

func (p *Provisioner) ensureUser(ctx context.Context, host, user string) error {
	exists, err := remote.Check(ctx, p.exec, host, remote.Cmd("id", user))
	if err != nil || exists {
		return err
	}
	if err := p.run(ctx, host, "pw", "useradd", "-n", user, "-m", "-s", "/usr/local/bin/bash"); err != nil {
		return fmt.Errorf("failed to create user %s: %w", user, err)
	}
	return nil
}

// ensureStorage creates the burrow datasets when the root filesystem is ZFS
// and plain directories otherwise. It reports whether ZFS is used.
func (p *Provisioner) ensureStorage(ctx context.Context, host string) (bool, error) {
	rootDS, onZFS, err := p.zfs.DatasetFor(ctx, host, "/")
	if err != nil {
		return false, err
	}
	if !onZFS {
		return false, p.run(ctx, host, "mkdir", "-p", types.BaseDir, types.ImagesDir, types.JailsDir)
	}

	pool := strings.SplitN(rootDS.Name, "/", 2)[0]
	datasets := []zfs.Dataset{
		{Name: pool + "/burrow", Mountpoint: types.RootDir},
		{Name: pool + "/burrow/base", Mountpoint: types.BaseDir},
		{Name: pool + "/burrow/images", Mountpoint: types.ImagesDir},
		{Name: pool + "/burrow/jails", Mountpoint: types.JailsDir},
	}
	for _, ds := range datasets {
		exists, err := p.zfs.Exists(ctx, host, ds.Name)
		if err != nil {
			return true, err
		}
		if exists {
			continue
		}
		if err := p.zfs.Create(ctx, host, ds.Name, ds.Mountpoint); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (p *Provisioner) ensureDirectories(ctx context.Context, host string, plan Plan) error {
	dataDir := path.Join(types.AppDataDir, plan.Service)
	dirs := []string{path.Join(dataDir, "app"), path.Join(types.ConfigDir, plan.Service), types.ActiveDir}
	for _, d := range plan.DataDirectories {
		dirs = append(dirs, d.HostPath)
	}
	if err := p.run(ctx, host, append([]string{"mkdir", "-p"}, dirs...)...); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	if plan.User == "" {
		return nil
	}
	owned := []string{dataDir}
	for _, d := range plan.DataDirectories {
		owned = append(owned, d.HostPath)
	}
	args := append([]string{"chown", "-R", plan.User + ":" + plan.User}, owned...)
	if err := p.run(ctx, host, args...); err != nil {
		return fmt.Errorf("failed to chown service directories: %w", err)
	}
	return nil
}

// configureCaddy enables Caddy with the conf.d import. A service that has
// never been deployed gets a placeholder site targeting its port on the
// host; an existing site is left pointing at the serving jail.
func (p *Provisioner) configureCaddy(ctx context.Context, host string, plan Plan) error {
	if err := p.run(ctx, host, "sysrc", "caddy_enable=YES"); err != nil {
		return err
	}
	if err := p.caddy.EnsureMainConfig(ctx, host); err != nil {
		return err
	}

	if plan.Proxy != nil {
		if plan.Proxy.TLS == types.TLSManual && plan.Certificate != nil {
			if err := p.caddy.InstallCertificate(ctx, host, plan.Service, *plan.Certificate); err != nil {
				return err
			}
		}

		_, deployed, err := p.caddy.Backend(ctx, host, plan.Service)
		if err != nil {
			return err
		}
		if !deployed {
			route := *plan.Proxy
			route.Backend = fmt.Sprintf(":%d", plan.Port)
			if err := p.exec.WriteFile(ctx, host, []byte(ingress.Render(route, plan.Service)), ingress.ConfPath(plan.Service), true); err != nil {
				return fmt.Errorf("failed to write proxy config: %w", err)
			}
		}
	}

	return p.caddy.Enable(ctx, host)
}

func (p *Provisioner) run(ctx context.Context, host string, args ...string) error {
	return p.exec.Run(ctx, host, remote.Sudo(args...))
}
