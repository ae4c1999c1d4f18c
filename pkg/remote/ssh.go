package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a single remote command. Package installs and
	// base system fetches must fit inside it.
	DefaultTimeout = 30 * time.Minute

	// waitDelay bounds how long pipes may stay open after ssh is killed
	waitDelay = 5 * time.Second
)

// DefaultSyncExcludes are never copied into a jail
var DefaultSyncExcludes = []string{".git", "node_modules", "tmp", "log"}

// SSHConfig configures the ssh transport
type SSHConfig struct {
	// Doas prefixes privileged commands with doas
	Doas bool
	// Timeout per command; DefaultTimeout when zero
	Timeout time.Duration
	// Options are extra arguments passed to ssh before the host, e.g. -p 2222
	Options []string
	// SSHBinary and RsyncBinary override the local programs
	SSHBinary   string
	RsyncBinary string
}

// SSH executes commands through the local OpenSSH client, so host aliases,
// keys and agents from ~/.ssh/config apply unchanged.
type SSH struct {
	doas     bool
	timeout  time.Duration
	options  []string
	sshBin   string
	rsyncBin string
	logger   zerolog.Logger
}

// NewSSH creates an ssh executor
func NewSSH(cfg SSHConfig) *SSH {
	s := &SSH{
		doas:     cfg.Doas,
		timeout:  cfg.Timeout,
		options:  cfg.Options,
		sshBin:   cfg.SSHBinary,
		rsyncBin: cfg.RsyncBinary,
		logger:   log.WithComponent("remote"),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.sshBin == "" {
		s.sshBin = "ssh"
	}
	if s.rsyncBin == "" {
		s.rsyncBin = "rsync"
	}
	return s
}

// Run executes a command, discarding its output
func (s *SSH) Run(ctx context.Context, host string, cmd Command) error {
	_, err := s.exec(ctx, host, cmd.Render(s.doas), nil)
	return err
}

// Output executes a command and returns its stdout
func (s *SSH) Output(ctx context.Context, host string, cmd Command) (string, error) {
	return s.exec(ctx, host, cmd.Render(s.doas), nil)
}

// WriteFile streams content over ssh stdin into tee on the host
func (s *SSH) WriteFile(ctx context.Context, host string, content []byte, path string, privileged bool) error {
	line := Command{Args: []string{"tee", path}, Privileged: privileged}.Render(s.doas) + " > /dev/null"
	s.logger.Debug().Str("host", host).Str("path", path).Int("bytes", len(content)).Msg("writing file")
	if _, err := s.exec(ctx, host, line, content); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Sync mirrors localDir into remoteDir with rsync over ssh
func (s *SSH) Sync(ctx context.Context, host, localDir, remoteDir string, excludes []string, privileged bool) error {
	args := []string{"-az", "--delete", "--filter=:- .gitignore"}
	for _, ex := range DefaultSyncExcludes {
		args = append(args, "--exclude="+ex)
	}
	for _, ex := range excludes {
		args = append(args, "--exclude="+ex)
	}
	if privileged && s.doas {
		args = append(args, "--rsync-path=doas rsync")
	}
	if len(s.options) > 0 {
		args = append(args, "-e", Join(append([]string{s.sshBin}, s.options...)...))
	}
	args = append(args, strings.TrimSuffix(localDir, "/")+"/", host+":"+remoteDir)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Debug().Str("host", host).Str("src", localDir).Str("dest", remoteDir).Strs("excludes", excludes).Msg("syncing")

	c := exec.CommandContext(ctx, s.rsyncBin, args...)
	c.WaitDelay = waitDelay
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return s.failure(ctx, host, "rsync "+Join(args...), stderr.String(), err)
	}
	return nil
}

func (s *SSH) exec(ctx context.Context, host, line string, stdin []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Debug().Str("host", host).Str("cmd", line).Msg("executing")

	args := append(append([]string{}, s.options...), host, line)
	c := exec.CommandContext(ctx, s.sshBin, args...)
	c.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}

	if err := c.Run(); err != nil {
		s.logger.Debug().Str("host", host).Str("stdout", stdout.String()).Str("stderr", stderr.String()).Msg("command failed")
		return stdout.String(), s.failure(ctx, host, line, stderr.String(), err)
	}
	return stdout.String(), nil
}

func (s *SSH) failure(ctx context.Context, host, line, stderr string, err error) error {
	ce := &CommandError{Host: host, Command: line, Stderr: stderr, ExitCode: -1, Err: err}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		ce.Timeout = true
		return ce
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return ce
}

// Check runs a predicate command such as test -d. A non-zero exit is false;
// transport failures and timeouts are returned as errors.
func Check(ctx context.Context, e Executor, host string, cmd Command) (bool, error) {
	err := e.Run(ctx, host, cmd)
	if err == nil {
		return true, nil
	}
	if IsExit(err) {
		return false, nil
	}
	return false, err
}

// OSRelease returns the running kernel release of a host, e.g. 14.1-RELEASE-p6
func OSRelease(ctx context.Context, e Executor, host string) (string, error) {
	out, err := e.Output(ctx, host, Cmd("uname", "-r"))
	if err != nil {
		return "", fmt.Errorf("failed to read OS release: %w", err)
	}
	return strings.TrimSpace(out), nil
}
