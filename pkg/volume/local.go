package volume

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
)

// VolumeDriver attaches data directories to jails
type VolumeDriver interface {
	// Create makes sure the host side of a data directory exists
	Create(ctx context.Context, host string, dir types.DataDirectory) error

	// Mount binds the host directory read-write into the jail root
	Mount(ctx context.Context, host, jailRoot string, dir types.DataDirectory) error

	// Unmount releases the binding
	Unmount(ctx context.Context, host, jailRoot string, dir types.DataDirectory) error

	// GetPath returns where the directory appears under the jail root on the host
	GetPath(jailRoot string, dir types.DataDirectory) string
}

// LocalDriver binds host directories with nullfs
type LocalDriver struct {
	exec remote.Executor
}

// NewLocalDriver creates a nullfs volume driver
func NewLocalDriver(exec remote.Executor) *LocalDriver {
	return &LocalDriver{exec: exec}
}

// Create creates the host directory
func (d *LocalDriver) Create(ctx context.Context, host string, dir types.DataDirectory) error {
	if err := d.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", dir.HostPath)); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir.HostPath, err)
	}
	return nil
}

// Mount creates the mountpoint inside the jail and nullfs-mounts the host directory on it
func (d *LocalDriver) Mount(ctx context.Context, host, jailRoot string, dir types.DataDirectory) error {
	target := d.GetPath(jailRoot, dir)
	if err := d.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", target)); err != nil {
		return fmt.Errorf("failed to create mountpoint %s: %w", target, err)
	}
	if err := d.exec.Run(ctx, host, remote.Sudo("mount_nullfs", dir.HostPath, target)); err != nil {
		return fmt.Errorf("failed to mount %s: %w", dir.HostPath, err)
	}
	return nil
}

// Unmount force-unmounts the binding. The host directory stays on disk.
func (d *LocalDriver) Unmount(ctx context.Context, host, jailRoot string, dir types.DataDirectory) error {
	target := d.GetPath(jailRoot, dir)
	if err := d.exec.Run(ctx, host, remote.Sudo("umount", "-f", target)); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return nil
}

// GetPath returns the mountpoint of dir under jailRoot
func (d *LocalDriver) GetPath(jailRoot string, dir types.DataDirectory) string {
	return path.Join(jailRoot, dir.JailPath)
}

// Chown gives user ownership of the directory from inside the running jail,
// so the jail's own uid for user applies
func (d *LocalDriver) Chown(ctx context.Context, host, jailName, user string, dir types.DataDirectory) error {
	if err := d.exec.Run(ctx, host, remote.Sudo("jexec", jailName, "chown", "-R", user, dir.JailPath)); err != nil {
		return fmt.Errorf("failed to chown %s: %w", dir.JailPath, err)
	}
	return nil
}

// Validate checks that both sides of a binding are absolute paths
func Validate(dir types.DataDirectory) error {
	if !path.IsAbs(dir.HostPath) {
		return fmt.Errorf("data directory host path must be absolute: %q", dir.HostPath)
	}
	if !path.IsAbs(dir.JailPath) {
		return fmt.Errorf("data directory jail path must be absolute: %q", dir.JailPath)
	}
	if path.Clean(dir.JailPath) == "/" {
		return fmt.Errorf("data directory cannot be mounted on the jail root")
	}
	return nil
}

// Excludes returns rsync patterns, anchored at appDir, for every binding
// mounted inside appDir, so syncing the application never deletes or
// shadows persistent data
func Excludes(dirs []types.DataDirectory, appDir string) []string {
	appDir = path.Clean(appDir)
	var excludes []string
	for _, dir := range dirs {
		jp := path.Clean(dir.JailPath)
		if !strings.HasPrefix(jp, appDir+"/") {
			continue
		}
		excludes = append(excludes, "/"+strings.TrimPrefix(jp, appDir+"/"))
	}
	return excludes
}
