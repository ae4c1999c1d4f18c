package jail

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// stopPolls and stopInterval bound how long StopService waits for a
	// process to exit before killing it
	stopPolls    = 20
	stopInterval = "0.5"
)

// PIDFile returns the pid file of the idx-th start command of a service
func PIDFile(service string, idx int) string {
	return path.Join(types.ServiceRunDir(service), processName(idx)+".pid")
}

// LogFile returns the log file of the idx-th start command of a service
func LogFile(service string, idx int) string {
	return path.Join(types.ServiceLogDir(service), processName(idx)+".log")
}

func processName(idx int) string {
	if idx == 0 {
		return "service"
	}
	return "service-" + strconv.Itoa(idx)
}

// appScript wraps a command so it runs in the application directory with
// the service environment loaded
func appScript(command string) string {
	return "source " + types.JailEnvFile + " && cd " + types.JailAppDir + " && " + command
}

// inJail builds a jexec command running script with bash, as user when set
func inJail(name, user, script string) remote.Command {
	if user == "" {
		return remote.Sudo("jexec", name, "bash", "-c", script)
	}
	return remote.Sudo("jexec", name, "su", "-", user, "-c", "bash -c "+remote.Quote(script))
}

// Exec runs a hook inside the jail with the service environment, in the
// application directory. A non-zero exit is returned as an error.
func (m *Manager) Exec(ctx context.Context, host string, j *types.Jail, user, command string) error {
	m.logger.Debug().Str("host", host).Str("jail", j.Name).Str("command", command).Msg("running hook")
	if err := m.exec.Run(ctx, host, inJail(j.Name, user, appScript(command))); err != nil {
		return fmt.Errorf("hook %q failed: %w", command, err)
	}
	return nil
}

// TrustMise marks the application's mise configuration as trusted. Hosts
// without mise configuration in the app are not an error.
func (m *Manager) TrustMise(ctx context.Context, host string, j *types.Jail, user string) {
	if err := m.exec.Run(ctx, host, inJail(j.Name, user, "mise trust "+types.JailAppDir)); err != nil {
		m.logger.Debug().Err(err).Str("jail", j.Name).Msg("mise trust failed")
	}
}

// Daemon starts the idx-th start command of a service as a detached,
// pid-file-tracked process
func (m *Manager) Daemon(ctx context.Context, host string, j *types.Jail, user string, idx int, command string) error {
	args := []string{"jexec", j.Name, "daemon", "-f", "-p", PIDFile(j.Service, idx), "-o", LogFile(j.Service, idx)}
	if user != "" {
		args = append(args, "-u", user)
	}
	args = append(args, "bash", "-c", appScript(command))

	if err := m.exec.Run(ctx, host, remote.Sudo(args...)); err != nil {
		return fmt.Errorf("failed to start %q: %w", command, err)
	}
	m.logger.Info().Str("host", host).Str("jail", j.Name).Int("process", idx).Msg("process started")
	return nil
}

// PrepareServiceDirs creates the per-service pid and log directories inside
// the jail, owned by user when set
func (m *Manager) PrepareServiceDirs(ctx context.Context, host string, j *types.Jail, user string) error {
	runDir, logDir := types.ServiceRunDir(j.Service), types.ServiceLogDir(j.Service)
	if err := m.run(ctx, host, "mkdir", "-p", path.Join(j.Root, runDir), path.Join(j.Root, logDir)); err != nil {
		return err
	}
	if user == "" {
		return nil
	}
	if err := m.run(ctx, host, "jexec", j.Name, "chown", "-R", user+":"+user, runDir, logDir); err != nil {
		return fmt.Errorf("failed to chown service directories: %w", err)
	}
	return nil
}

// StopService gracefully stops every pid-file-tracked process of the
// service in a running jail: TERM, poll, then KILL after a bounded wait
func (m *Manager) StopService(ctx context.Context, host, jailName, service string) error {
	running, err := m.Running(ctx, host, jailName)
	if err != nil || !running {
		return err
	}
	script := stopScript(types.ServiceRunDir(service))
	if err := m.run(ctx, host, "jexec", jailName, "sh", "-c", script); err != nil {
		return fmt.Errorf("failed to stop %s in %s: %w", service, jailName, err)
	}
	m.logger.Info().Str("host", host).Str("jail", jailName).Msg("service stopped")
	return nil
}

func stopScript(runDir string) string {
	return fmt.Sprintf(`for pidfile in %s/*.pid; do
  [ -f "$pidfile" ] || continue
  pkill -F "$pidfile" 2>/dev/null || { rm -f "$pidfile"; continue; }
  i=0
  while [ $i -lt %d ] && pgrep -F "$pidfile" >/dev/null 2>&1; do
    sleep %s
    i=$((i + 1))
  done
  pkill -9 -F "$pidfile" 2>/dev/null
  rm -f "$pidfile"
done
true`, remote.Quote(runDir), stopPolls, stopInterval)
}
