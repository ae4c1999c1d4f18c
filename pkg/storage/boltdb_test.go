package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, service, host string, started time.Time, status types.DeployStatus) *types.DeployRecord {
	return &types.DeployRecord{
		ID:         id,
		Service:    service,
		Host:       host,
		Jail:       service + "-" + started.Format("20060102-150405"),
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
	}
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordDeploy(record("b", "web", "h1", t0.Add(time.Hour), types.DeployStatusRolledBack)))
	require.NoError(t, s.RecordDeploy(record("a", "web", "h1", t0, types.DeployStatusSucceeded)))
	require.NoError(t, s.RecordDeploy(record("c", "web", "h2", t0.Add(2*time.Hour), types.DeployStatusSucceeded)))
	require.NoError(t, s.RecordDeploy(record("d", "api", "h1", t0, types.DeployStatusSucceeded)))

	all, err := s.ListDeploys("web", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, "a", all[2].ID)
	assert.Equal(t, types.DeployStatusRolledBack, all[1].Status)
	assert.Equal(t, 90*time.Second, all[2].Duration())

	limited, err := s.ListDeploys("web", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListDeploys("worker", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLatestDeploy(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.LatestDeploy("web", "h1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.RecordDeploy(record("a", "web", "h1", t0, types.DeployStatusSucceeded)))
	require.NoError(t, s.RecordDeploy(record("b", "web", "h2", t0.Add(time.Hour), types.DeployStatusSucceeded)))

	latest, err := s.LatestDeploy("web", "h1")
	require.NoError(t, err)
	assert.Equal(t, "a", latest.ID)
}

func TestRecordDeployRequiresIdentity(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.RecordDeploy(&types.DeployRecord{Service: "web"}))
	assert.Error(t, s.RecordDeploy(&types.DeployRecord{ID: "x"}))
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordDeploy(record("a", "web", "h1", time.Now(), types.DeployStatusSucceeded)))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.ListDeploys("web", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

var _ Store = (*BoltStore)(nil)
