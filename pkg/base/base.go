// Package base fetches FreeBSD release trees onto hosts. A base system is
// fetched once per version and host, marked ready only after extraction
// completes, and never modified afterwards.
package base

import (
	"context"
	"fmt"
	"path"
	"regexp"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/zfs"
	"github.com/rs/zerolog"
)

const (
	DefaultMirror = "https://download.freebsd.org/releases"
	DefaultArch   = "amd64"
)

var patchSuffix = regexp.MustCompile(`-p\d+$`)

// StripPatch removes the patch level from a release, 14.1-RELEASE-p6 -> 14.1-RELEASE.
// Jails share the host kernel, so the base must match the running release.
func StripPatch(release string) string {
	return patchSuffix.ReplaceAllString(release, "")
}

// ResolveVersion returns override when set, otherwise the host release
// without its patch level
func ResolveVersion(ctx context.Context, exec remote.Executor, host, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	release, err := remote.OSRelease(ctx, exec, host)
	if err != nil {
		return "", err
	}
	return StripPatch(release), nil
}

// Option configures a Provisioner
type Option func(*Provisioner)

// WithMirror sets the release mirror URL
func WithMirror(url string) Option {
	return func(p *Provisioner) { p.mirror = url }
}

// WithArch sets the release architecture
func WithArch(arch string) Option {
	return func(p *Provisioner) { p.arch = arch }
}

// Provisioner ensures base systems exist on hosts
type Provisioner struct {
	exec   remote.Executor
	zfs    *zfs.Manager
	mirror string
	arch   string
	logger zerolog.Logger
}

// NewProvisioner creates a base system provisioner
func NewProvisioner(exec remote.Executor, zfsMgr *zfs.Manager, opts ...Option) *Provisioner {
	p := &Provisioner{
		exec:   exec,
		zfs:    zfsMgr,
		mirror: DefaultMirror,
		arch:   DefaultArch,
		logger: log.WithComponent("base"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the base.txz location for a version
func (p *Provisioner) URL(version string) string {
	return fmt.Sprintf("%s/%s/%s/base.txz", p.mirror, p.arch, version)
}

// Lookup returns the base system for version and whether it is ready
func (p *Provisioner) Lookup(ctx context.Context, host, version string) (types.BaseSystem, bool, error) {
	b := types.BaseSystem{Version: version, Path: types.BasePath(version)}

	parent, onZFS, err := p.zfs.DatasetAt(ctx, host, types.BaseDir)
	if err != nil {
		return b, false, err
	}
	if onZFS {
		b.Dataset = parent.Child(version)
		ready, err := p.zfs.SnapshotExists(ctx, host, b.Dataset+"@"+types.ReadySnapshot)
		return b, ready, err
	}

	ready, err := remote.Check(ctx, p.exec, host, remote.Cmd("test", "-f", path.Join(b.Path, types.ReadyMarker)))
	return b, ready, err
}

// Ensure makes sure version is extracted and ready on host. Storage left
// behind by an interrupted fetch is destroyed and fetched again.
func (p *Provisioner) Ensure(ctx context.Context, host, version string) (types.BaseSystem, error) {
	logger := p.logger.With().Str("host", host).Str("version", version).Logger()

	b, ready, err := p.Lookup(ctx, host, version)
	if err != nil {
		return b, fmt.Errorf("failed to check base system %s: %w", version, err)
	}
	if ready {
		metrics.BaseCacheTotal.WithLabelValues(metrics.CacheHit).Inc()
		logger.Debug().Msg("base system ready")
		return b, nil
	}

	if err := p.clearIncomplete(ctx, host, b); err != nil {
		return b, err
	}

	logger.Info().Str("url", p.URL(version)).Msg("fetching base system")
	if err := p.create(ctx, host, b); err != nil {
		return b, err
	}

	if err := p.fetch(ctx, host, b); err != nil {
		p.discard(ctx, host, b)
		return b, err
	}
	if err := p.verify(ctx, host, b); err != nil {
		p.discard(ctx, host, b)
		return b, err
	}

	if err := p.markReady(ctx, host, b); err != nil {
		p.discard(ctx, host, b)
		return b, err
	}

	logger.Info().Msg("base system ready")
	return b, nil
}

func (p *Provisioner) clearIncomplete(ctx context.Context, host string, b types.BaseSystem) error {
	var leftover bool
	var err error
	if b.Dataset != "" {
		leftover, err = p.zfs.Exists(ctx, host, b.Dataset)
	} else {
		leftover, err = remote.Check(ctx, p.exec, host, remote.Cmd("test", "-d", b.Path))
	}
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", b.Path, err)
	}
	if !leftover {
		metrics.BaseCacheTotal.WithLabelValues(metrics.CacheMiss).Inc()
		return nil
	}

	metrics.BaseCacheTotal.WithLabelValues(metrics.CacheRebuild).Inc()
	p.logger.Warn().Str("host", host).Str("path", b.Path).Msg("incomplete base system found, refetching")
	if b.Dataset != "" {
		return p.zfs.Destroy(ctx, host, b.Dataset)
	}
	return p.zfs.RemovePath(ctx, host, b.Path)
}

func (p *Provisioner) create(ctx context.Context, host string, b types.BaseSystem) error {
	if b.Dataset != "" {
		return p.zfs.Create(ctx, host, b.Dataset, b.Path)
	}
	if err := p.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", b.Path)); err != nil {
		return fmt.Errorf("failed to create %s: %w", b.Path, err)
	}
	return nil
}

// fetch streams the archive straight into tar
func (p *Provisioner) fetch(ctx context.Context, host string, b types.BaseSystem) error {
	script := fmt.Sprintf("fetch -o - %s | tar -xf - -C %s", remote.Quote(p.URL(b.Version)), remote.Quote(b.Path))
	if err := p.exec.Run(ctx, host, remote.SudoShell(script)); err != nil {
		return fmt.Errorf("failed to fetch base system %s: %w", b.Version, err)
	}
	return nil
}

// verify checks that extraction produced a system tree. The pipeline exits
// with tar's status, and tar accepts the empty stream a failed fetch leaves.
func (p *Provisioner) verify(ctx context.Context, host string, b types.BaseSystem) error {
	for _, check := range [][]string{
		{"test", "-x", path.Join(b.Path, "bin/sh")},
		{"test", "-d", path.Join(b.Path, "usr/lib")},
	} {
		ok, err := remote.Check(ctx, p.exec, host, remote.Cmd(check...))
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", b.Path, err)
		}
		if !ok {
			return fmt.Errorf("base system %s extracted incompletely: %s missing", b.Version, check[2])
		}
	}
	return nil
}

func (p *Provisioner) markReady(ctx context.Context, host string, b types.BaseSystem) error {
	if b.Dataset != "" {
		return p.zfs.Snapshot(ctx, host, b.Dataset+"@"+types.ReadySnapshot)
	}
	if err := p.exec.Run(ctx, host, remote.Sudo("touch", path.Join(b.Path, types.ReadyMarker))); err != nil {
		return fmt.Errorf("failed to mark %s ready: %w", b.Path, err)
	}
	return nil
}

func (p *Provisioner) discard(ctx context.Context, host string, b types.BaseSystem) {
	var err error
	if b.Dataset != "" {
		err = p.zfs.Destroy(ctx, host, b.Dataset)
	} else {
		err = p.zfs.RemovePath(ctx, host, b.Path)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("host", host).Str("path", b.Path).Msg("failed to remove partial base system")
	}
}
