package image

import (
	"context"
	"fmt"
	"path"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/ui"
	"github.com/cuemby/burrow/pkg/zfs"
	"github.com/rs/zerolog"
)

var (
	// basePackages are installed in every image
	basePackages = []string{"bash", "git"}

	// toolchainPackages are needed by mise to compile runtimes
	toolchainPackages = []string{"mise", "gmake", "gcc", "python3", "pkgconf"}
)

const toolEnv = "export CC=gcc CXX=g++ MAKE=gmake"

// Builder builds and caches images on hosts
type Builder struct {
	exec   remote.Executor
	zfs    *zfs.Manager
	logger zerolog.Logger
}

// NewBuilder creates an image builder
func NewBuilder(exec remote.Executor, zfsMgr *zfs.Manager) *Builder {
	return &Builder{
		exec:   exec,
		zfs:    zfsMgr,
		logger: log.WithComponent("image"),
	}
}

// Lookup locates the image for spec and reports whether it is ready. An
// image directory or dataset without its completion snapshot or marker is
// not ready.
func (b *Builder) Lookup(ctx context.Context, host string, spec Spec) (types.Image, bool, error) {
	fp := Fingerprint(spec)
	img := types.Image{
		Fingerprint: fp,
		Path:        types.ImagePath(types.ShortFingerprint(fp)),
		BaseVersion: spec.BaseVersion,
	}

	parent, onZFS, err := b.zfs.DatasetAt(ctx, host, types.ImagesDir)
	if err != nil {
		return img, false, err
	}
	if onZFS {
		img.Dataset = parent.Child(img.ShortID())
		ready, err := b.zfs.SnapshotExists(ctx, host, img.Snapshot())
		return img, ready, err
	}

	ready, err := remote.Check(ctx, b.exec, host, remote.Cmd("test", "-f", path.Join(img.Path, types.ReadyMarker)))
	return img, ready, err
}

// Ensure returns the ready image for spec, building it when absent. A
// failed build leaves no storage behind.
func (b *Builder) Ensure(ctx context.Context, host string, spec Spec, rep ui.Reporter) (types.Image, error) {
	if rep == nil {
		rep = ui.Nop{}
	}

	img, ready, err := b.Lookup(ctx, host, spec)
	if err != nil {
		return img, fmt.Errorf("failed to check image: %w", err)
	}
	logger := b.logger.With().Str("host", host).Str("image", img.ShortID()).Logger()

	if ready {
		metrics.ImageCacheTotal.WithLabelValues(metrics.CacheHit).Inc()
		logger.Debug().Msg("image cache hit")
		rep.Done("Using image %s", img.ShortID())
		return img, nil
	}

	if err := b.clearIncomplete(ctx, host, img); err != nil {
		return img, err
	}

	rep.Step("Building image %s (this may take a while)", img.ShortID())
	timer := metrics.NewTimer()
	if err := b.build(ctx, host, img, spec, rep); err != nil {
		logger.Error().Err(err).Msg("image build failed, removing partial image")
		b.abort(ctx, host, img)
		return img, fmt.Errorf("failed to build image %s: %w", img.ShortID(), err)
	}
	timer.ObserveDuration(metrics.ImageBuildDuration)

	logger.Info().Dur("duration", timer.Duration()).Msg("image built")
	rep.Done("Built image %s", img.ShortID())
	return img, nil
}

func buildJailName(img types.Image) string {
	return "build-" + img.ShortID()
}

// clearIncomplete destroys what an interrupted build left behind. On ZFS
// the dataset is looked up by name, since an unmounted dataset leaves no
// directory.
func (b *Builder) clearIncomplete(ctx context.Context, host string, img types.Image) error {
	leftover, err := b.leftover(ctx, host, img)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", img.Path, err)
	}
	if !leftover {
		metrics.ImageCacheTotal.WithLabelValues(metrics.CacheMiss).Inc()
		return nil
	}

	metrics.ImageCacheTotal.WithLabelValues(metrics.CacheRebuild).Inc()
	b.logger.Warn().Str("host", host).Str("image", img.ShortID()).Msg("incomplete image found, rebuilding")
	b.abort(ctx, host, img)
	if img.Dataset != "" {
		exists, err := b.zfs.Exists(ctx, host, img.Dataset)
		if err != nil {
			return err
		}
		if exists {
			if err := b.zfs.Destroy(ctx, host, img.Dataset); err != nil {
				return err
			}
		}
	}

	still, err := b.leftover(ctx, host, img)
	if err != nil {
		return err
	}
	if still {
		return fmt.Errorf("failed to remove incomplete image %s", img.Path)
	}
	return nil
}

// leftover reports whether any storage of img exists: its dataset when the
// images directory is on ZFS, or its directory
func (b *Builder) leftover(ctx context.Context, host string, img types.Image) (bool, error) {
	if img.Dataset != "" {
		exists, err := b.zfs.Exists(ctx, host, img.Dataset)
		if err != nil || exists {
			return exists, err
		}
	}
	return remote.Check(ctx, b.exec, host, remote.Cmd("test", "-d", img.Path))
}

func (b *Builder) build(ctx context.Context, host string, img types.Image, spec Spec, rep ui.Reporter) error {
	if err := b.populate(ctx, host, img); err != nil {
		return err
	}

	name := buildJailName(img)
	steps := []remote.Command{
		remote.Sudo("cp", "/etc/resolv.conf", path.Join(img.Path, "etc/resolv.conf")),
		remote.Sudo("mkdir", "-p", path.Join(img.Path, "dev"), path.Join(img.Path, "usr/local")),
		remote.Sudo("mount", "-t", "devfs", "devfs", path.Join(img.Path, "dev")),
		remote.Sudo("jail", "-c", "name="+name, "path="+img.Path, "host.hostname="+name,
			"ip4=inherit", "allow.raw_sockets=1", "persist"),
	}
	for _, cmd := range steps {
		if err := b.exec.Run(ctx, host, cmd); err != nil {
			return err
		}
	}

	rep.Step("Installing packages")
	if err := b.pkgInstall(ctx, host, name, basePackages); err != nil {
		return err
	}
	if len(spec.Packages) > 0 {
		if err := b.pkgInstall(ctx, host, name, spec.Packages); err != nil {
			return err
		}
	}

	if spec.User != "" {
		if err := b.ensureUser(ctx, host, name, spec.User); err != nil {
			return err
		}
	}

	if len(spec.Tools) > 0 {
		if err := b.installTools(ctx, host, name, spec, rep); err != nil {
			return err
		}
	}

	if err := b.exec.Run(ctx, host, remote.Sudo("pkg", "-j", name, "clean", "-y")); err != nil {
		b.logger.Warn().Err(err).Str("host", host).Msg("pkg clean failed")
	}

	if err := b.exec.Run(ctx, host, remote.Sudo("jail", "-r", name)); err != nil {
		return err
	}
	if err := b.exec.Run(ctx, host, remote.Sudo("umount", path.Join(img.Path, "dev"))); err != nil {
		return err
	}

	if img.Dataset != "" {
		return b.zfs.Snapshot(ctx, host, img.Snapshot())
	}
	return b.exec.Run(ctx, host, remote.Sudo("touch", path.Join(img.Path, types.ReadyMarker)))
}

// populate fills the image root from the base system: a clone of the base
// snapshot when both live on ZFS, a full copy otherwise
func (b *Builder) populate(ctx context.Context, host string, img types.Image) error {
	basePath := types.BasePath(img.BaseVersion)

	if img.Dataset != "" {
		baseDS, ok, err := b.zfs.DatasetAt(ctx, host, basePath)
		if err != nil {
			return err
		}
		if ok {
			snap := baseDS.Snapshot(types.ReadySnapshot)
			hasSnap, err := b.zfs.SnapshotExists(ctx, host, snap)
			if err != nil {
				return err
			}
			if hasSnap {
				return b.zfs.Clone(ctx, host, snap, img.Dataset, img.Path)
			}
		}
		if err := b.zfs.Create(ctx, host, img.Dataset, img.Path); err != nil {
			return err
		}
	} else if err := b.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", img.Path)); err != nil {
		return err
	}

	// var/empty carries schg and is recreated instead of copied
	err := b.exec.Run(ctx, host, remote.Sudo("rsync", "-aH",
		"--exclude", "/"+types.ReadyMarker, "--exclude", "/var/empty",
		basePath+"/", img.Path+"/"))
	if err != nil {
		return fmt.Errorf("failed to copy base system: %w", err)
	}
	emptyDir := path.Join(img.Path, "var/empty")
	if err := b.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", emptyDir)); err != nil {
		return err
	}
	return b.exec.Run(ctx, host, remote.Sudo("chmod", "555", emptyDir))
}

func (b *Builder) pkgInstall(ctx context.Context, host, jailName string, pkgs []string) error {
	args := append([]string{"pkg", "-j", jailName, "install", "-y"}, pkgs...)
	if err := b.exec.Run(ctx, host, remote.Sudo(args...)); err != nil {
		return fmt.Errorf("failed to install packages: %w", err)
	}
	return nil
}

func (b *Builder) ensureUser(ctx context.Context, host, jailName, user string) error {
	exists, err := remote.Check(ctx, b.exec, host, remote.Sudo("jexec", jailName, "id", user))
	if err != nil || exists {
		return err
	}
	if err := b.exec.Run(ctx, host, remote.Sudo("jexec", jailName, "pw", "useradd", "-n", user, "-m", "-s", "/usr/local/bin/bash")); err != nil {
		return fmt.Errorf("failed to create user %s: %w", user, err)
	}
	return nil
}

func (b *Builder) installTools(ctx context.Context, host, jailName string, spec Spec, rep ui.Reporter) error {
	rep.Step("Installing runtimes")
	if err := b.pkgInstall(ctx, host, jailName, toolchainPackages); err != nil {
		return err
	}

	tools := sortedTools(spec.Tools)
	for i, tool := range tools {
		ref := tool + "@" + spec.Tools[tool]
		rep.Progress(i+1, len(tools), ref)

		script := toolEnv + " && mise use --global " + remote.Quote(ref)
		var cmd remote.Command
		if spec.User != "" {
			cmd = remote.Sudo("jexec", jailName, "su", "-", spec.User, "-c", script)
		} else {
			cmd = remote.Sudo("jexec", jailName, "bash", "-c", script)
		}
		if err := b.exec.Run(ctx, host, cmd); err != nil {
			return fmt.Errorf("failed to install %s: %w", ref, err)
		}
	}
	return nil
}

// abort stops the build jail, releases its devfs and removes the image
// storage. Every step is best effort.
func (b *Builder) abort(ctx context.Context, host string, img types.Image) {
	logger := b.logger.With().Str("host", host).Str("image", img.ShortID()).Logger()

	if err := b.exec.Run(ctx, host, remote.Sudo("jail", "-r", buildJailName(img))); err != nil {
		logger.Debug().Err(err).Msg("build jail not running")
	}
	if err := b.exec.Run(ctx, host, remote.Sudo("umount", "-f", path.Join(img.Path, "dev"))); err != nil {
		logger.Debug().Err(err).Msg("devfs not mounted")
	}
	if err := b.zfs.RemovePath(ctx, host, img.Path); err != nil {
		logger.Warn().Err(err).Msg("failed to remove image storage")
	}
}
