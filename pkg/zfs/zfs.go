// Package zfs detects whether host paths are backed by ZFS datasets and
// performs the dataset operations burrow uses for copy-on-write caching.
// Hosts without ZFS are not an error: every lookup reports "not
// volume-managed" and callers fall back to plain directories.
package zfs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/rs/zerolog"
)

// Dataset is a ZFS dataset and its mountpoint
type Dataset struct {
	Name       string
	Mountpoint string
}

// Child returns the name of a child dataset
func (d Dataset) Child(name string) string {
	return d.Name + "/" + name
}

// Snapshot returns the full name of a snapshot of the dataset
func (d Dataset) Snapshot(name string) string {
	return d.Name + "@" + name
}

// Manager runs zfs commands on hosts
type Manager struct {
	exec   remote.Executor
	logger zerolog.Logger
}

// NewManager creates a ZFS manager
func NewManager(exec remote.Executor) *Manager {
	return &Manager{
		exec:   exec,
		logger: log.WithComponent("zfs"),
	}
}

// DatasetFor returns the dataset containing p. ok is false when p is not
// on ZFS or the host has no zfs command.
func (m *Manager) DatasetFor(ctx context.Context, host, p string) (Dataset, bool, error) {
	return m.list(ctx, host, p)
}

// DatasetAt returns the dataset mounted exactly at p
func (m *Manager) DatasetAt(ctx context.Context, host, p string) (Dataset, bool, error) {
	ds, ok, err := m.list(ctx, host, p)
	if err != nil || !ok {
		return Dataset{}, false, err
	}
	if path.Clean(ds.Mountpoint) != path.Clean(p) {
		return Dataset{}, false, nil
	}
	return ds, true, nil
}

// Exists reports whether a dataset exists
func (m *Manager) Exists(ctx context.Context, host, name string) (bool, error) {
	_, ok, err := m.list(ctx, host, name)
	return ok, err
}

// SnapshotExists reports whether dataset@name exists
func (m *Manager) SnapshotExists(ctx context.Context, host, snapshot string) (bool, error) {
	return remote.Check(ctx, m.exec, host, remote.Sudo("zfs", "list", "-H", "-t", "snapshot", "-o", "name", snapshot))
}

// Create creates a dataset mounted at mountpoint
func (m *Manager) Create(ctx context.Context, host, name, mountpoint string) error {
	m.logger.Debug().Str("host", host).Str("dataset", name).Msg("creating dataset")
	if err := m.exec.Run(ctx, host, remote.Sudo("zfs", "create", "-o", "mountpoint="+mountpoint, name)); err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", name, err)
	}
	return nil
}

// Clone clones a snapshot into a new dataset mounted at mountpoint
func (m *Manager) Clone(ctx context.Context, host, snapshot, name, mountpoint string) error {
	m.logger.Debug().Str("host", host).Str("snapshot", snapshot).Str("dataset", name).Msg("cloning snapshot")
	if err := m.exec.Run(ctx, host, remote.Sudo("zfs", "clone", "-o", "mountpoint="+mountpoint, snapshot, name)); err != nil {
		return fmt.Errorf("failed to clone %s: %w", snapshot, err)
	}
	return nil
}

// Snapshot creates dataset@name
func (m *Manager) Snapshot(ctx context.Context, host, snapshot string) error {
	if err := m.exec.Run(ctx, host, remote.Sudo("zfs", "snapshot", snapshot)); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", snapshot, err)
	}
	return nil
}

// Destroy recursively destroys a dataset with its snapshots and children
func (m *Manager) Destroy(ctx context.Context, host, name string) error {
	m.logger.Debug().Str("host", host).Str("dataset", name).Msg("destroying dataset")
	if err := m.exec.Run(ctx, host, remote.Sudo("zfs", "destroy", "-r", name)); err != nil {
		return fmt.Errorf("failed to destroy dataset %s: %w", name, err)
	}
	return nil
}

// RemovePath deletes the storage at p: the dataset mounted there if any,
// otherwise the directory tree after clearing immutable flags. Only a
// dataset whose mountpoint is exactly p is destroyed, never a parent.
func (m *Manager) RemovePath(ctx context.Context, host, p string) error {
	ds, ok, err := m.DatasetAt(ctx, host, p)
	if err != nil {
		m.logger.Warn().Err(err).Str("host", host).Str("path", p).Msg("dataset lookup failed, removing directory")
	}
	if ok {
		if err := m.Destroy(ctx, host, ds.Name); err == nil {
			return nil
		}
		m.logger.Warn().Str("host", host).Str("dataset", ds.Name).Msg("dataset destroy failed, removing directory")
	}

	if err := m.exec.Run(ctx, host, remote.Sudo("chflags", "-R", "noschg", p)); err != nil {
		m.logger.Debug().Err(err).Str("path", p).Msg("chflags failed")
	}
	if err := m.exec.Run(ctx, host, remote.Sudo("rm", "-rf", p)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// list runs zfs list for a dataset name or a path. Exit failures mean the
// target is not on ZFS.
func (m *Manager) list(ctx context.Context, host, target string) (Dataset, bool, error) {
	out, err := m.exec.Output(ctx, host, remote.Sudo("zfs", "list", "-H", "-o", "name,mountpoint", target))
	if err != nil {
		if remote.IsExit(err) {
			return Dataset{}, false, nil
		}
		return Dataset{}, false, fmt.Errorf("failed to inspect %s: %w", target, err)
	}
	return parseList(out)
}

func parseList(out string) (Dataset, bool, error) {
	lines := remote.Lines(out)
	if len(lines) == 0 {
		return Dataset{}, false, nil
	}
	fields := strings.Split(lines[0], "\t")
	if len(fields) < 2 {
		fields = strings.Fields(lines[0])
	}
	if len(fields) < 2 {
		return Dataset{}, false, fmt.Errorf("unexpected zfs list output: %q", lines[0])
	}
	return Dataset{Name: fields[0], Mountpoint: fields[1]}, true, nil
}
