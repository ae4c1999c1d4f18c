package remote

import (
	"context"
	"strings"
)

// Executor runs commands and transfers files on remote hosts. Every call is
// bounded by the executor's timeout.
type Executor interface {
	// Run executes a command, discarding its output
	Run(ctx context.Context, host string, cmd Command) error

	// Output executes a command and returns its stdout
	Output(ctx context.Context, host string, cmd Command) (string, error)

	// WriteFile streams content into a file on the host
	WriteFile(ctx context.Context, host string, content []byte, path string, privileged bool) error

	// Sync mirrors a local directory into a remote one, deleting extraneous files.
	// Excludes are rsync patterns relative to localDir.
	Sync(ctx context.Context, host, localDir, remoteDir string, excludes []string, privileged bool) error
}

// Command is an argument vector executed on a host. Arguments are never
// interpreted by the remote shell; use Shell when a pipeline is required and
// quote every embedded value with Quote.
type Command struct {
	Args       []string
	Privileged bool
}

// Cmd builds an unprivileged command
func Cmd(args ...string) Command {
	return Command{Args: args}
}

// Sudo builds a command that runs with privilege escalation when the
// executor is configured for it
func Sudo(args ...string) Command {
	return Command{Args: args, Privileged: true}
}

// Shell builds a command that runs script through sh -c
func Shell(script string) Command {
	return Command{Args: []string{"sh", "-c", script}}
}

// SudoShell builds a privileged sh -c command
func SudoShell(script string) Command {
	return Command{Args: []string{"sh", "-c", script}, Privileged: true}
}

// Render returns the command line sent to the remote shell
func (c Command) Render(doas bool) string {
	line := Join(c.Args...)
	if c.Privileged && doas {
		return "doas " + line
	}
	return line
}

// String renders the command without privilege prefix, for logs and errors
func (c Command) String() string {
	return Join(c.Args...)
}

// Name returns the program name of the command
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Lines splits command output into trimmed, non-empty lines
func Lines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
