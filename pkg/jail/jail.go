package jail

import (
	"context"
	"fmt"
	"net"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/boot"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/cuemby/burrow/pkg/zfs"
	"github.com/rs/zerolog"
)

var (
	// readOnlyDirs are mounted read-only from the base system
	readOnlyDirs = []string{"bin", "lib", "libexec", "sbin"}

	// readOnlyUsrDirs are mounted read-only from the base system when present
	readOnlyUsrDirs = []string{"usr/bin", "usr/include", "usr/lib", "usr/lib32", "usr/libdata", "usr/libexec", "usr/sbin", "usr/share"}

	// imageWritableDirs are copied from an image into each jail
	imageWritableDirs = []string{"etc", "var", "root", "home"}

	// baseWritableDirs are copied from the base system when there is no image
	baseWritableDirs = []string{"etc", "var", "root", "tmp"}
)

// Destroy reasons recorded in metrics
const (
	ReasonRollback = "rollback"
	ReasonPrune    = "prune"
	ReasonRemoved  = "removed"
)

// CreateOptions describes a new jail
type CreateOptions struct {
	Service         string
	BaseVersion     string
	Subnet          *net.IPNet
	Image           *types.Image
	DataDirectories []types.DataDirectory
	Now             time.Time
}

// Manager creates, runs and destroys jails on hosts
type Manager struct {
	exec    remote.Executor
	zfs     *zfs.Manager
	network *network.Allocator
	volumes *volume.LocalDriver
	boot    *boot.Manager
	logger  zerolog.Logger
}

// NewManager creates a jail manager
func NewManager(exec remote.Executor, zfsMgr *zfs.Manager, alloc *network.Allocator) *Manager {
	return &Manager{
		exec:    exec,
		zfs:     zfsMgr,
		network: alloc,
		volumes: volume.NewLocalDriver(exec),
		boot:    boot.NewManager(exec),
		logger:  log.WithComponent("jail"),
	}
}

// Create constructs the root filesystem of a new jail, mounts its layers
// and data directories, and aliases a free address for it. The jail is not
// started. On failure everything created so far is destroyed.
func (m *Manager) Create(ctx context.Context, host string, opts CreateOptions) (*types.Jail, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Subnet == nil {
		subnet, err := network.ParseSubnet(types.DefaultSubnet)
		if err != nil {
			return nil, err
		}
		opts.Subnet = subnet
	}

	if err := m.network.EnsureInterface(ctx, host); err != nil {
		return nil, err
	}

	name, err := m.freeName(ctx, host, opts.Service, opts.Now)
	if err != nil {
		return nil, err
	}
	j := &types.Jail{
		Name:    name,
		Service: opts.Service,
		Root:    types.JailPath(name),
		Phase:   types.JailPhaseCreated,
		Image:   opts.Image,
	}
	logger := m.logger.With().Str("host", host).Str("jail", name).Logger()

	if err := m.buildRoot(ctx, host, j, opts); err != nil {
		logger.Error().Err(err).Msg("jail root construction failed, cleaning up")
		m.discard(ctx, host, j)
		return nil, fmt.Errorf("failed to create jail %s: %w", name, err)
	}

	ip, err := m.network.FindFree(ctx, host, opts.Subnet)
	if err == nil {
		err = m.network.AddAlias(ctx, host, ip)
	}
	if err != nil {
		m.discard(ctx, host, j)
		return nil, fmt.Errorf("failed to allocate address for %s: %w", name, err)
	}
	j.IP = ip

	metrics.JailsCreated.Inc()
	logger.Info().Str("ip", ip).Bool("cloned", j.Cloned).Msg("jail created")
	return j, nil
}

// freeName returns a name whose root does not exist yet, moving forward
// one second at a time
func (m *Manager) freeName(ctx context.Context, host, service string, now time.Time) (string, error) {
	for i := 0; i < 60; i++ {
		name := NewName(service, now.Add(time.Duration(i)*time.Second))
		exists, err := remote.Check(ctx, m.exec, host, remote.Cmd("test", "-e", types.JailPath(name)))
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free jail name for %s", service)
}

func (m *Manager) buildRoot(ctx context.Context, host string, j *types.Jail, opts CreateOptions) error {
	basePath := types.BasePath(opts.BaseVersion)

	if opts.Image != nil && opts.Image.Dataset != "" {
		if err := m.cloneImage(ctx, host, j, *opts.Image); err != nil {
			return err
		}
	}

	if !j.Cloned {
		if err := m.run(ctx, host, "mkdir", "-p", j.Root); err != nil {
			return err
		}
		var err error
		if opts.Image != nil {
			err = m.layerImage(ctx, host, j, *opts.Image)
		} else {
			err = m.layerBase(ctx, host, j, basePath)
		}
		if err != nil {
			return err
		}
		if err := m.mountBase(ctx, host, j.Root, basePath); err != nil {
			return err
		}
	}

	devDir := path.Join(j.Root, "dev")
	if err := m.run(ctx, host, "mkdir", "-p", devDir); err != nil {
		return err
	}
	if err := m.run(ctx, host, "mount", "-t", "devfs", "devfs", devDir); err != nil {
		return fmt.Errorf("failed to mount devfs: %w", err)
	}
	if err := m.run(ctx, host, "mkdir", "-p", path.Join(j.Root, "tmp"), path.Join(j.Root, "var/tmp")); err != nil {
		return err
	}
	if err := m.run(ctx, host, "chmod", "1777", path.Join(j.Root, "tmp"), path.Join(j.Root, "var/tmp")); err != nil {
		return err
	}

	for _, dir := range opts.DataDirectories {
		if err := m.volumes.Create(ctx, host, dir); err != nil {
			return err
		}
		if err := m.volumes.Mount(ctx, host, j.Root, dir); err != nil {
			return err
		}
	}
	return nil
}

// cloneImage clones the image snapshot into the jail root when the image
// is ready and the jails directory is a dataset
func (m *Manager) cloneImage(ctx context.Context, host string, j *types.Jail, img types.Image) error {
	ready, err := m.zfs.SnapshotExists(ctx, host, img.Snapshot())
	if err != nil || !ready {
		return err
	}
	parent, ok, err := m.zfs.DatasetAt(ctx, host, types.JailsDir)
	if err != nil || !ok {
		return err
	}
	dataset := parent.Child(j.Name)
	if err := m.zfs.Clone(ctx, host, img.Snapshot(), dataset, j.Root); err != nil {
		return err
	}
	j.Cloned = true
	j.Dataset = dataset
	return nil
}

// layerImage copies the image's writable directories with hard links where
// the filesystem allows it and mounts the image's /usr/local read-only
func (m *Manager) layerImage(ctx context.Context, host string, j *types.Jail, img types.Image) error {
	for _, dir := range imageWritableDirs {
		src := path.Join(img.Path, dir)
		ok, err := remote.Check(ctx, m.exec, host, remote.Cmd("test", "-d", src))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := m.run(ctx, host, "cp", "-al", src, j.Root+"/"); err != nil {
			m.logger.Debug().Err(err).Str("dir", dir).Msg("hardlink copy failed, copying")
			if err := m.run(ctx, host, "cp", "-a", src, j.Root+"/"); err != nil {
				return fmt.Errorf("failed to copy %s from image: %w", dir, err)
			}
		}
	}

	localDir := path.Join(j.Root, "usr/local")
	if err := m.run(ctx, host, "mkdir", "-p", path.Join(j.Root, "tmp"), localDir); err != nil {
		return err
	}
	if err := m.run(ctx, host, "mount_nullfs", "-o", "ro", path.Join(img.Path, "usr/local"), localDir); err != nil {
		return fmt.Errorf("failed to mount image /usr/local: %w", err)
	}
	return nil
}

// layerBase copies the writable directories straight from the base system
func (m *Manager) layerBase(ctx context.Context, host string, j *types.Jail, basePath string) error {
	for _, dir := range baseWritableDirs {
		if err := m.run(ctx, host, "cp", "-a", path.Join(basePath, dir), j.Root+"/"); err != nil {
			return fmt.Errorf("failed to copy %s from base: %w", dir, err)
		}
	}
	if err := m.run(ctx, host, "cp", "/etc/resolv.conf", path.Join(j.Root, "etc/resolv.conf")); err != nil {
		return err
	}
	return m.run(ctx, host, "mkdir", "-p", path.Join(j.Root, "home"), path.Join(j.Root, "usr/local"))
}

// mountBase mounts the read-only subtrees of the base system into root
func (m *Manager) mountBase(ctx context.Context, host, root, basePath string) error {
	for _, dir := range readOnlyDirs {
		if err := m.mountReadOnly(ctx, host, path.Join(basePath, dir), path.Join(root, dir)); err != nil {
			return err
		}
	}
	for _, dir := range readOnlyUsrDirs {
		src := path.Join(basePath, dir)
		ok, err := remote.Check(ctx, m.exec, host, remote.Cmd("test", "-d", src))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := m.mountReadOnly(ctx, host, src, path.Join(root, dir)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) mountReadOnly(ctx context.Context, host, src, dst string) error {
	if err := m.run(ctx, host, "mkdir", "-p", dst); err != nil {
		return err
	}
	if err := m.run(ctx, host, "mount_nullfs", "-o", "ro", src, dst); err != nil {
		return fmt.Errorf("failed to mount %s: %w", src, err)
	}
	return nil
}

// StartBuildPhase starts the jail sharing the host's network so hooks can
// reach package registries, then hands data directories to user
func (m *Manager) StartBuildPhase(ctx context.Context, host string, j *types.Jail, user string, dirs []types.DataDirectory) error {
	if err := transition(j, types.JailPhaseBuilding); err != nil {
		return err
	}
	if err := m.run(ctx, host, startArgs(j, "ip4=inherit")...); err != nil {
		return fmt.Errorf("failed to start %s: %w", j.Name, err)
	}
	j.Phase = types.JailPhaseBuilding

	if user != "" {
		for _, dir := range dirs {
			if err := m.volumes.Chown(ctx, host, j.Name, user, dir); err != nil {
				return err
			}
		}
	}
	m.logger.Debug().Str("host", host).Str("jail", j.Name).Msg("build phase started")
	return nil
}

// Cutover restarts a build-phase jail on its private address and recreates
// the per-service runtime directories
func (m *Manager) Cutover(ctx context.Context, host string, j *types.Jail, user string) error {
	if err := transition(j, types.JailPhaseServing); err != nil {
		return err
	}
	if j.IP == "" {
		return fmt.Errorf("jail %s has no address", j.Name)
	}
	if err := m.Stop(ctx, host, j); err != nil {
		return err
	}
	if err := m.run(ctx, host, startArgs(j, "ip4.addr="+j.IP)...); err != nil {
		return fmt.Errorf("failed to start %s on %s: %w", j.Name, j.IP, err)
	}
	j.Phase = types.JailPhaseServing

	if err := m.PrepareServiceDirs(ctx, host, j, user); err != nil {
		return err
	}
	m.logger.Info().Str("host", host).Str("jail", j.Name).Str("ip", j.IP).Msg("jail serving")
	return nil
}

// Stop stops a running jail, keeping its filesystem for rollback
func (m *Manager) Stop(ctx context.Context, host string, j *types.Jail) error {
	if err := transition(j, types.JailPhaseStopped); err != nil {
		return err
	}
	if err := m.run(ctx, host, "jail", "-r", j.Name); err != nil {
		return fmt.Errorf("failed to stop %s: %w", j.Name, err)
	}
	j.Phase = types.JailPhaseStopped
	return nil
}

// Destroy removes a jail: stops it, drops its address, unmounts everything
// under its root and removes its storage. Each step is best effort; only a
// failure to remove the storage is returned.
func (m *Manager) Destroy(ctx context.Context, host string, j *types.Jail, reason string) error {
	if j.Phase == types.JailPhaseDestroyed {
		return nil
	}
	if err := m.discard(ctx, host, j); err != nil {
		return err
	}
	metrics.JailsDestroyed.WithLabelValues(reason).Inc()
	return nil
}

func (m *Manager) discard(ctx context.Context, host string, j *types.Jail) error {
	logger := m.logger.With().Str("host", host).Str("jail", j.Name).Logger()

	ip := j.IP
	if ip == "" {
		ip = m.address(ctx, host, j)
	}

	if err := m.run(ctx, host, "jail", "-r", j.Name); err != nil {
		logger.Debug().Err(err).Msg("jail not running")
	}
	if ip != "" {
		if err := m.network.RemoveAlias(ctx, host, ip); err != nil {
			logger.Debug().Err(err).Str("ip", ip).Msg("alias not present")
		}
	}
	m.unmountAll(ctx, host, j.Root)

	if err := m.zfs.RemovePath(ctx, host, j.Root); err != nil {
		logger.Error().Err(err).Msg("failed to remove jail storage")
		return fmt.Errorf("failed to destroy jail %s: %w", j.Name, err)
	}
	j.Phase = types.JailPhaseDestroyed
	logger.Info().Msg("jail destroyed")
	return nil
}

// address finds a jail's address from the running jail, then its sidecar
func (m *Manager) address(ctx context.Context, host string, j *types.Jail) string {
	if ip, err := m.liveAddress(ctx, host, j.Name); err == nil && ip != "" {
		return ip
	}
	if meta, err := m.boot.ReadMetadata(ctx, host, j.Root); err == nil {
		return meta.IP
	}
	return ""
}

func (m *Manager) liveAddress(ctx context.Context, host, name string) (string, error) {
	out, err := m.exec.Output(ctx, host, remote.Sudo("jls", "-j", name, "ip4.addr"))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(out)
	if ip == "-" {
		return "", nil
	}
	return ip, nil
}

// unmountAll force-unmounts every mount at or below root, deepest first,
// as listed by the live mount table
func (m *Manager) unmountAll(ctx context.Context, host, root string) {
	out, err := m.exec.Output(ctx, host, remote.Sudo("mount", "-p"))
	if err != nil {
		m.logger.Warn().Err(err).Str("host", host).Msg("failed to read mount table")
		return
	}
	for _, target := range mountsUnder(out, root) {
		if err := m.run(ctx, host, "umount", "-f", target); err != nil {
			m.logger.Warn().Err(err).Str("host", host).Str("mount", target).Msg("unmount failed")
		}
	}
}

// mountsUnder parses `mount -p` output and returns the targets at or below
// root, deepest first
func mountsUnder(out, root string) []string {
	root = path.Clean(root)
	var targets []string
	for _, line := range remote.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		target := path.Clean(fields[1])
		if target == root || strings.HasPrefix(target, root+"/") {
			targets = append(targets, target)
		}
	}
	sort.SliceStable(targets, func(a, b int) bool {
		da, db := strings.Count(targets[a], "/"), strings.Count(targets[b], "/")
		if da != db {
			return da > db
		}
		return targets[a] > targets[b]
	})
	return targets
}

// Lookup loads an existing jail by name. Its phase is Serving or Building
// when running, Stopped otherwise.
func (m *Manager) Lookup(ctx context.Context, host, name string) (*types.Jail, bool, error) {
	service, _, ok := ParseName(name)
	if !ok {
		return nil, false, fmt.Errorf("invalid jail name %q", name)
	}
	j := &types.Jail{
		Name:    name,
		Service: service,
		Root:    types.JailPath(name),
		Phase:   types.JailPhaseStopped,
	}
	exists, err := remote.Check(ctx, m.exec, host, remote.Cmd("test", "-d", j.Root))
	if err != nil || !exists {
		return nil, false, err
	}

	running, err := m.Running(ctx, host, name)
	if err != nil {
		return nil, false, err
	}
	if running {
		ip, err := m.liveAddress(ctx, host, name)
		if err != nil {
			return nil, false, err
		}
		j.IP = ip
		j.Phase = types.JailPhaseServing
		if ip == "" {
			j.Phase = types.JailPhaseBuilding
		}
	}
	if j.IP == "" {
		if meta, err := m.boot.ReadMetadata(ctx, host, j.Root); err == nil {
			j.IP = meta.IP
		}
	}

	if ds, ok, err := m.zfs.DatasetAt(ctx, host, j.Root); err == nil && ok {
		j.Cloned = true
		j.Dataset = ds.Name
	}
	return j, true, nil
}

// List returns the names of a service's jails, oldest first
func (m *Manager) List(ctx context.Context, host, service string) ([]string, error) {
	out, err := m.exec.Output(ctx, host, remote.Cmd("ls", "-1", types.JailsDir))
	if err != nil {
		if remote.IsExit(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list jails: %w", err)
	}
	var names []string
	for _, name := range remote.Lines(out) {
		if BelongsTo(name, service) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Running reports whether a jail is started
func (m *Manager) Running(ctx context.Context, host, name string) (bool, error) {
	return remote.Check(ctx, m.exec, host, remote.Sudo("jls", "-j", name))
}

func startArgs(j *types.Jail, network string) []string {
	return []string{
		"jail", "-c",
		"name=" + j.Name,
		"path=" + j.Root,
		"host.hostname=" + j.Name,
		network,
		"allow.raw_sockets=1",
		"persist",
	}
}

func (m *Manager) run(ctx context.Context, host string, args ...string) error {
	return m.exec.Run(ctx, host, remote.Sudo(args...))
}
