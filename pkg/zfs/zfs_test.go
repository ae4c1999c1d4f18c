package zfs

import (
	"context"
	"testing"

	"github.com/cuemby/burrow/pkg/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatasetFor(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewZFSHost()
	m := NewManager(host)

	ds, ok, err := m.DatasetFor(ctx, "h", "/usr/local/burrow/images/abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "zroot/burrow/images", ds.Name)
	assert.Equal(t, "zroot/burrow/images/abc", ds.Child("abc"))
	assert.Equal(t, "zroot/burrow/images@ready", ds.Snapshot("ready"))

	_, ok, err = m.DatasetAt(ctx, "h", "/usr/local/burrow/images/abc")
	require.NoError(t, err)
	assert.False(t, ok, "parent dataset must not match an exact lookup")
}

func TestDatasetForWithoutZFS(t *testing.T) {
	m := NewManager(remotetest.NewHost())

	_, ok, err := m.DatasetFor(context.Background(), "h", "/usr/local/burrow/images")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotAndClone(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewZFSHost()
	m := NewManager(host)

	require.NoError(t, m.Create(ctx, "h", "zroot/burrow/images/abc", "/usr/local/burrow/images/abc"))
	host.AddFile("/usr/local/burrow/images/abc/usr/local/bin/node", "ELF")
	require.NoError(t, m.Snapshot(ctx, "h", "zroot/burrow/images/abc@ready"))

	ok, err := m.SnapshotExists(ctx, "h", "zroot/burrow/images/abc@ready")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Clone(ctx, "h", "zroot/burrow/images/abc@ready", "zroot/burrow/jails/web-1", "/usr/local/burrow/jails/web-1"))
	assert.True(t, host.Exists("/usr/local/burrow/jails/web-1/usr/local/bin/node"))

	ds, ok, err := m.DatasetAt(ctx, "h", "/usr/local/burrow/jails/web-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "zroot/burrow/jails/web-1", ds.Name)
}

func TestRemovePath(t *testing.T) {
	ctx := context.Background()

	t.Run("dataset", func(t *testing.T) {
		host := remotetest.NewZFSHost()
		m := NewManager(host)
		require.NoError(t, m.Create(ctx, "h", "zroot/burrow/jails/web-1", "/usr/local/burrow/jails/web-1"))

		require.NoError(t, m.RemovePath(ctx, "h", "/usr/local/burrow/jails/web-1"))

		ok, err := m.Exists(ctx, "h", "zroot/burrow/jails/web-1")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = m.Exists(ctx, "h", "zroot/burrow/jails")
		require.NoError(t, err)
		assert.True(t, ok, "parent dataset must survive")
	})

	t.Run("directory on a zfs parent", func(t *testing.T) {
		host := remotetest.NewZFSHost()
		m := NewManager(host)
		host.AddFile("/usr/local/burrow/jails/web-2/etc/rc.conf", "")

		require.NoError(t, m.RemovePath(ctx, "h", "/usr/local/burrow/jails/web-2"))

		assert.False(t, host.Exists("/usr/local/burrow/jails/web-2"))
		assert.True(t, host.Exists("/usr/local/burrow/jails"))
		assert.Equal(t, 0, host.Count(remotetest.Prefix("zfs", "destroy")))
	})

	t.Run("plain directory", func(t *testing.T) {
		host := remotetest.NewHost()
		m := NewManager(host)
		host.AddDir("/usr/local/burrow/jails/web-3/var")

		require.NoError(t, m.RemovePath(ctx, "h", "/usr/local/burrow/jails/web-3"))
		assert.False(t, host.Exists("/usr/local/burrow/jails/web-3"))
		assert.Equal(t, 1, host.Count(remotetest.Prefix("chflags", "-R", "noschg")))
	})
}

func TestParseList(t *testing.T) {
	ds, ok, err := parseList("zroot/burrow\t/usr/local/burrow\n")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Dataset{Name: "zroot/burrow", Mountpoint: "/usr/local/burrow"}, ds)

	_, _, err = parseList("garbage\n")
	assert.Error(t, err)
}
