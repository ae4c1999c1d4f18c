// Package boot makes deployed services survive host reboots. It installs
// the burrow rc.d script, writes the per-jail metadata sidecar the script
// reads, and maintains the active symlink of each service.
package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Script returns the rc.d script text
func Script() string {
	return rcScript
}

// MetadataPath returns the sidecar location for a jail root
func MetadataPath(jailRoot string) string {
	return path.Join(jailRoot, types.MetadataFile)
}

// Manager installs and updates boot persistence on hosts
type Manager struct {
	exec   remote.Executor
	logger zerolog.Logger
}

// NewManager creates a boot persistence manager
func NewManager(exec remote.Executor) *Manager {
	return &Manager{
		exec:   exec,
		logger: log.WithComponent("boot"),
	}
}

// Install writes the rc.d script, enables it and creates the active directory
func (m *Manager) Install(ctx context.Context, host string) error {
	if err := m.exec.WriteFile(ctx, host, []byte(rcScript), types.RCScript, true); err != nil {
		return err
	}
	cmds := []remote.Command{
		remote.Sudo("chmod", "555", types.RCScript),
		remote.Sudo("sysrc", "burrow_enable=YES"),
		remote.Sudo("mkdir", "-p", types.ActiveDir),
	}
	for _, cmd := range cmds {
		if err := m.exec.Run(ctx, host, cmd); err != nil {
			return fmt.Errorf("failed to install boot script: %w", err)
		}
	}
	return nil
}

// WriteMetadata stores the sidecar describing how to restart a jail
func (m *Manager) WriteMetadata(ctx context.Context, host, jailRoot string, meta types.JailMetadata) error {
	if meta.DataDirectories == nil {
		meta.DataDirectories = []types.DataDirectory{}
	}
	if meta.StartCommands == nil {
		meta.StartCommands = []string{}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jail metadata: %w", err)
	}
	return m.exec.WriteFile(ctx, host, append(data, '\n'), MetadataPath(jailRoot), true)
}

// ReadMetadata loads the sidecar of a jail
func (m *Manager) ReadMetadata(ctx context.Context, host, jailRoot string) (types.JailMetadata, error) {
	var meta types.JailMetadata
	out, err := m.exec.Output(ctx, host, remote.Sudo("cat", MetadataPath(jailRoot)))
	if err != nil {
		return meta, fmt.Errorf("failed to read jail metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(out), &meta); err != nil {
		return meta, fmt.Errorf("failed to parse jail metadata: %w", err)
	}
	return meta, nil
}

// Activate points the service's active symlink at jailRoot
func (m *Manager) Activate(ctx context.Context, host, service, jailRoot string) error {
	if err := m.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", types.ActiveDir)); err != nil {
		return err
	}
	if err := m.exec.Run(ctx, host, remote.Sudo("ln", "-sfn", jailRoot, types.ActiveLink(service))); err != nil {
		return fmt.Errorf("failed to activate %s: %w", path.Base(jailRoot), err)
	}
	m.logger.Debug().Str("host", host).Str("service", service).Str("jail", path.Base(jailRoot)).Msg("activated")
	return nil
}

// Deactivate removes the service's active symlink
func (m *Manager) Deactivate(ctx context.Context, host, service string) error {
	if err := m.exec.Run(ctx, host, remote.Sudo("rm", "-f", types.ActiveLink(service))); err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", service, err)
	}
	return nil
}

// Active returns the jail name the service's active symlink points at
func (m *Manager) Active(ctx context.Context, host, service string) (string, bool, error) {
	out, err := m.exec.Output(ctx, host, remote.Cmd("readlink", types.ActiveLink(service)))
	if err != nil {
		if remote.IsExit(err) {
			return "", false, nil
		}
		return "", false, err
	}
	target := strings.TrimSpace(out)
	if target == "" {
		return "", false, nil
	}
	return path.Base(target), true, nil
}
