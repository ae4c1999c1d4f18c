package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

// ErrHostLocked is returned when another deploy or destroy holds the host
var ErrHostLocked = errors.New("host is locked by another operation")

const lockOwnerFile = "owner"

// Lock is a held host lock. The lock directory is created with a plain
// mkdir, which fails when it already exists.
type Lock struct {
	exec  remote.Executor
	host  string
	token string
}

// AcquireLock takes the host lock or returns ErrHostLocked naming the
// current holder
func AcquireLock(ctx context.Context, exec remote.Executor, host string, now time.Time) (*Lock, error) {
	if err := exec.Run(ctx, host, remote.Sudo("mkdir", "-p", types.RootDir)); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", types.RootDir, err)
	}
	if err := exec.Run(ctx, host, remote.Sudo("mkdir", types.LockDir)); err != nil {
		if !remote.IsExit(err) {
			return nil, err
		}
		holder, _ := exec.Output(ctx, host, remote.Sudo("cat", lockOwnerPath()))
		if holder = strings.TrimSpace(holder); holder != "" {
			return nil, fmt.Errorf("%w: %s", ErrHostLocked, holder)
		}
		return nil, ErrHostLocked
	}

	l := &Lock{exec: exec, host: host, token: uuid.NewString()}
	operator, _ := os.Hostname()
	owner := fmt.Sprintf("%s %s %s\n", l.token, operator, now.UTC().Format(time.RFC3339))
	if err := exec.WriteFile(ctx, host, []byte(owner), lockOwnerPath(), true); err != nil {
		l.remove(ctx)
		return nil, fmt.Errorf("failed to record lock owner: %w", err)
	}
	return l, nil
}

// Release removes the lock when it is still owned by this holder
func (l *Lock) Release(ctx context.Context) error {
	out, err := l.exec.Output(ctx, l.host, remote.Sudo("cat", lockOwnerPath()))
	if err != nil {
		return fmt.Errorf("failed to read lock owner: %w", err)
	}
	if fields := strings.Fields(out); len(fields) == 0 || fields[0] != l.token {
		return fmt.Errorf("lock on %s is no longer held by this process", l.host)
	}
	return l.remove(ctx)
}

func (l *Lock) remove(ctx context.Context) error {
	return l.exec.Run(ctx, l.host, remote.Sudo("rm", "-rf", types.LockDir))
}

func lockOwnerPath() string {
	return path.Join(types.LockDir, lockOwnerFile)
}

// withLock runs fn while holding the host lock. The lock is released even
// when ctx was cancelled.
func (d *Deployer) withLock(ctx context.Context, host string, fn func() error) error {
	lock, err := AcquireLock(ctx, d.exec, host, d.now())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn().Err(err).Str("host", host).Msg("failed to release host lock")
		}
	}()
	return fn()
}
