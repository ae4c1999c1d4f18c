package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout is matched by errors.Is for commands killed by their deadline
var ErrTimeout = errors.New("remote command timed out")

// CommandError reports a remote command that exited non-zero or timed out
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *CommandError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("command timed out on %s: %s", e.Host, e.Command)
	}
	msg := fmt.Sprintf("command failed on %s (exit %d): %s", e.Host, e.ExitCode, e.Command)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTimeout) true for timed out commands
func (e *CommandError) Is(target error) bool {
	return target == ErrTimeout && e.Timeout
}

// sshFailure is the exit status ssh uses for its own connection errors
const sshFailure = 255

// IsExit reports whether err is a CommandError for a command that ran and
// exited non-zero, as opposed to a transport or timeout failure
func IsExit(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && !ce.Timeout && ce.ExitCode > 0 && ce.ExitCode != sshFailure
}
