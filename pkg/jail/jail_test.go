package jail

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/boot"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/remote/remotetest"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/zfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = "14.1-RELEASE"

var testNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)

func newTestManager(host *remotetest.Host) *Manager {
	return NewManager(host, zfs.NewManager(host), network.NewAllocator(host))
}

func addBase(host *remotetest.Host) string {
	base := types.BasePath(testVersion)
	for _, d := range remotetest.BaseTree {
		host.AddDir(path.Join(base, d))
	}
	host.AddFile(path.Join(base, "etc/rc.conf"), "")
	host.AddFile(path.Join(base, types.ReadyMarker), "")
	return base
}

func addImage(host *remotetest.Host, dataset string) types.Image {
	img := types.Image{
		Fingerprint: "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
		BaseVersion: testVersion,
	}
	img.Path = types.ImagePath(img.ShortID())
	for _, d := range []string{"etc", "var/tmp", "root", "home", "usr/local/bin", "bin"} {
		host.AddDir(path.Join(img.Path, d))
	}
	host.AddFile(path.Join(img.Path, "etc/rc.conf"), "")
	host.AddFile(path.Join(img.Path, "usr/local/bin/bash"), "ELF")
	if dataset != "" {
		img.Dataset = dataset
		host.Datasets[dataset] = img.Path
		host.Snapshots[img.Snapshot()] = true
	}
	return img
}

func createOpts(img *types.Image, dirs ...types.DataDirectory) CreateOptions {
	return CreateOptions{
		Service:         "web",
		BaseVersion:     testVersion,
		Image:           img,
		DataDirectories: dirs,
		Now:             testNow,
	}
}

func TestNewNameOrdering(t *testing.T) {
	names := []string{
		NewName("svc", time.Date(2024, 1, 2, 0, 0, 0, 0, time.Local)),
		NewName("svc", time.Date(2024, 1, 1, 0, 1, 0, 0, time.Local)),
		NewName("svc", time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)),
	}
	sort.Strings(names)

	assert.Equal(t, []string{"svc-20240101-000000", "svc-20240101-000100", "svc-20240102-000000"}, names)
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		service string
		ok      bool
	}{
		{name: "simple", input: "web-20240101-000000", service: "web", ok: true},
		{name: "dashed service", input: "web-api-20240101-120000", service: "web-api", ok: true},
		{name: "build jail", input: "build-abcdef012345", ok: false},
		{name: "short timestamp", input: "web-2024-000000", ok: false},
		{name: "invalid date", input: "web-20241301-000000", ok: false},
		{name: "no service", input: "20240101-000000", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, created, ok := ParseName(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.service, service)
			if ok {
				assert.Equal(t, tt.input, NewName(service, created))
			}
		})
	}
}

func TestBelongsTo(t *testing.T) {
	assert.True(t, BelongsTo("web-20240101-000000", "web"))
	assert.False(t, BelongsTo("web-api-20240101-000000", "web"))
	assert.False(t, BelongsTo("web-20240101-000000", "web-api"))
	assert.False(t, BelongsTo("web", "web"))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.JailPhase
		want     bool
	}{
		{types.JailPhaseCreated, types.JailPhaseBuilding, true},
		{types.JailPhaseCreated, types.JailPhaseServing, false},
		{types.JailPhaseCreated, types.JailPhaseDestroyed, true},
		{types.JailPhaseBuilding, types.JailPhaseServing, true},
		{types.JailPhaseBuilding, types.JailPhaseDestroyed, true},
		{types.JailPhaseServing, types.JailPhaseBuilding, false},
		{types.JailPhaseServing, types.JailPhaseStopped, true},
		{types.JailPhaseStopped, types.JailPhaseServing, false},
		{types.JailPhaseStopped, types.JailPhaseDestroyed, true},
		{types.JailPhaseDestroyed, types.JailPhaseCreated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreateFromBase(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	base := addBase(host)
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(nil))
	require.NoError(t, err)

	assert.Equal(t, "web-20240102-030405", j.Name)
	assert.Equal(t, types.JailPath(j.Name), j.Root)
	assert.Equal(t, types.JailPhaseCreated, j.Phase)
	assert.Equal(t, "10.0.0.2", j.IP)
	assert.False(t, j.Cloned)
	assert.True(t, host.Interfaces["lo1"])
	assert.True(t, host.HasAlias("10.0.0.2"))

	for _, dir := range []string{"etc", "var", "root", "tmp", "home", "usr/local"} {
		assert.True(t, host.Exists(path.Join(j.Root, dir)), dir)
	}
	content, ok := host.File(path.Join(j.Root, "etc/resolv.conf"))
	require.True(t, ok)
	assert.Contains(t, content, "nameserver")
	assert.False(t, host.Exists(path.Join(j.Root, types.ReadyMarker)))

	mounts := map[string]remotetest.Mount{}
	for _, mnt := range host.Mounts {
		mounts[mnt.Target] = mnt
	}
	for _, dir := range []string{"bin", "lib", "libexec", "sbin", "usr/bin", "usr/lib", "usr/share"} {
		mnt, ok := mounts[path.Join(j.Root, dir)]
		require.True(t, ok, dir)
		assert.Equal(t, path.Join(base, dir), mnt.Source)
		assert.True(t, mnt.ReadOnly)
	}
	_, ok = mounts[path.Join(j.Root, "usr/lib32")]
	assert.False(t, ok, "absent base subtrees are not mounted")
	assert.Equal(t, "devfs", mounts[path.Join(j.Root, "dev")].FSType)
	assert.Equal(t, 1, host.Count(remotetest.Prefix("chmod", "1777")))
}

func TestCreateClonesReadyImage(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewZFSHost()
	addBase(host)
	img := addImage(host, "zroot/burrow/images/abcdef012345")
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(&img))
	require.NoError(t, err)

	assert.True(t, j.Cloned)
	assert.Equal(t, "zroot/burrow/jails/"+j.Name, j.Dataset)
	assert.Equal(t, j.Root, host.Datasets[j.Dataset])
	assert.True(t, host.Exists(path.Join(j.Root, "usr/local/bin/bash")))

	assert.Equal(t, []string{path.Join(j.Root, "dev")}, host.MountsUnder(j.Root))
	assert.Zero(t, host.Count(remotetest.Prefix("mount_nullfs")))
}

func TestCreateLayersImage(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	img := addImage(host, "")
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(&img))
	require.NoError(t, err)

	assert.False(t, j.Cloned)
	assert.Equal(t, 4, host.Count(remotetest.Prefix("cp", "-al")))
	assert.True(t, host.Exists(path.Join(j.Root, "etc/rc.conf")))
	assert.True(t, host.Exists(path.Join(j.Root, "home")))

	var local *remotetest.Mount
	for i, mnt := range host.Mounts {
		if mnt.Target == path.Join(j.Root, "usr/local") {
			local = &host.Mounts[i]
		}
	}
	require.NotNil(t, local)
	assert.Equal(t, path.Join(img.Path, "usr/local"), local.Source)
	assert.True(t, local.ReadOnly)
	assert.Contains(t, host.MountsUnder(j.Root), path.Join(j.Root, "bin"))
}

func TestCreateHardlinkFallback(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	img := addImage(host, "")
	host.FailWhen(remotetest.Prefix("cp", "-al"))
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(&img))
	require.NoError(t, err)

	assert.Equal(t, 4, host.Count(remotetest.Prefix("cp", "-a")))
	assert.True(t, host.Exists(path.Join(j.Root, "etc/rc.conf")))
}

func TestCreateSkipsTakenAddresses(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	host.Interfaces["lo1"] = true
	host.Aliases = []string{"10.0.0.2", "10.0.0.3", "10.0.0.5"}
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(nil))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", j.IP)
}

func TestCreateNameCollision(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	host.AddDir(types.JailPath("web-20240102-030405"))
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(nil))
	require.NoError(t, err)
	assert.Equal(t, "web-20240102-030406", j.Name)
}

func TestCreateMountsDataDirectories(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	m := newTestManager(host)
	dir := types.DataDirectory{HostPath: "/var/db/burrow/web/storage", JailPath: "/app/storage"}

	j, err := m.Create(ctx, "h", createOpts(nil, dir))
	require.NoError(t, err)

	assert.True(t, host.Exists(dir.HostPath))
	var found bool
	for _, mnt := range host.Mounts {
		if mnt.Target == path.Join(j.Root, "app/storage") {
			found = true
			assert.Equal(t, dir.HostPath, mnt.Source)
			assert.False(t, mnt.ReadOnly)
		}
	}
	assert.True(t, found)
}

func TestCreateFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	host.FailWhen(remotetest.Prefix("mount", "-t", "devfs"))
	m := newTestManager(host)

	_, err := m.Create(ctx, "h", createOpts(nil))
	require.Error(t, err)

	root := types.JailPath("web-20240102-030405")
	assert.False(t, host.Exists(root))
	assert.Empty(t, host.MountsUnder(root))
	assert.Empty(t, host.Aliases)
}

func TestCreateNoAddressAvailable(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	host.Interfaces["lo1"] = true
	for i := network.FirstHost; i <= network.LastHost; i++ {
		host.Aliases = append(host.Aliases, "10.0.0."+strconv.Itoa(i))
	}
	m := newTestManager(host)

	_, err := m.Create(ctx, "h", createOpts(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, network.ErrNoAddressAvailable))
	assert.False(t, host.Exists(types.JailPath("web-20240102-030405")))
	assert.Len(t, host.Aliases, network.LastHost-network.FirstHost+1)
}

func TestTwoPhaseStart(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	m := newTestManager(host)
	dir := types.DataDirectory{HostPath: "/srv/data", JailPath: "/app/data"}

	j, err := m.Create(ctx, "h", createOpts(nil, dir))
	require.NoError(t, err)

	require.NoError(t, m.StartBuildPhase(ctx, "h", j, "app", []types.DataDirectory{dir}))
	assert.Equal(t, types.JailPhaseBuilding, j.Phase)
	assert.Equal(t, types.NetworkInherited, j.Phase.NetworkMode())
	require.True(t, host.Running(j.Name))
	assert.Empty(t, host.Jails[j.Name].IP)
	assert.Equal(t, 1, host.Count(remotetest.Prefix("jexec", j.Name, "chown", "-R", "app", "/app/data")))

	require.NoError(t, m.Cutover(ctx, "h", j, "app"))
	assert.Equal(t, types.JailPhaseServing, j.Phase)
	assert.Equal(t, types.NetworkIsolated, j.Phase.NetworkMode())
	assert.Equal(t, j.IP, host.Jails[j.Name].IP)
	assert.True(t, host.Exists(path.Join(j.Root, "var/run/burrow/web")))
	assert.True(t, host.Exists(path.Join(j.Root, "var/log/burrow/web")))
	assert.Equal(t, 1, host.Count(remotetest.Prefix("jexec", j.Name, "chown", "-R", "app:app")))
}

func TestCutoverRequiresBuildPhase(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	m := newTestManager(host)

	j, err := m.Create(ctx, "h", createOpts(nil))
	require.NoError(t, err)

	err = m.Cutover(ctx, "h", j, "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, host.Running(j.Name))
}

func TestDestroy(t *testing.T) {
	tests := []struct {
		name  string
		host  func() *remotetest.Host
		image bool
	}{
		{name: "plain directories", host: remotetest.NewHost},
		{name: "cloned dataset", host: remotetest.NewZFSHost, image: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			host := tt.host()
			addBase(host)
			var img *types.Image
			if tt.image {
				i := addImage(host, "zroot/burrow/images/abcdef012345")
				img = &i
			}
			m := newTestManager(host)

			j, err := m.Create(ctx, "h", createOpts(img, types.DataDirectory{HostPath: "/srv/data", JailPath: "/data"}))
			require.NoError(t, err)
			require.NoError(t, m.StartBuildPhase(ctx, "h", j, "", nil))
			require.NoError(t, m.Cutover(ctx, "h", j, ""))

			require.NoError(t, m.Destroy(ctx, "h", j, ReasonRemoved))

			assert.Equal(t, types.JailPhaseDestroyed, j.Phase)
			assert.False(t, host.Running(j.Name))
			assert.False(t, host.HasAlias(j.IP))
			assert.Empty(t, host.MountsUnder(j.Root))
			assert.False(t, host.Exists(j.Root))
			assert.True(t, host.Exists("/srv/data"), "data directories survive")
			if tt.image {
				_, ok := host.Datasets[j.Dataset]
				assert.False(t, ok)
				_, ok = host.Datasets["zroot/burrow/jails"]
				assert.True(t, ok)
			}

			require.NoError(t, m.Destroy(ctx, "h", j, ReasonRemoved))
		})
	}
}

func TestDestroyUsesSidecarAddress(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	m := newTestManager(host)

	created, err := m.Create(ctx, "h", createOpts(nil))
	require.NoError(t, err)
	require.NoError(t, boot.NewManager(host).WriteMetadata(ctx, "h", created.Root, types.JailMetadata{
		JailName: created.Name,
		IP:       created.IP,
		Service:  "web",
	}))

	j, ok, err := m.Lookup(ctx, "h", created.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JailPhaseStopped, j.Phase)
	assert.Equal(t, created.IP, j.IP)

	j.IP = ""
	require.NoError(t, m.Destroy(ctx, "h", j, ReasonPrune))
	assert.False(t, host.HasAlias(created.IP))
}

func TestMountsUnder(t *testing.T) {
	out := "zroot/ROOT/default\t/\tzfs\trw\t0 0\n" +
		"/usr/local/burrow/base/14.1-RELEASE/bin\t/usr/local/burrow/jails/web-1/bin\tnullfs\tro\t0 0\n" +
		"devfs\t/usr/local/burrow/jails/web-1/dev\tdevfs\trw\t0 0\n" +
		"/srv/data\t/usr/local/burrow/jails/web-1/app/storage\tnullfs\trw\t0 0\n" +
		"/usr/local/burrow/base/14.1-RELEASE/usr/lib\t/usr/local/burrow/jails/web-1/usr/lib\tnullfs\tro\t0 0\n" +
		"devfs\t/usr/local/burrow/jails/web-10/dev\tdevfs\trw\t0 0\n"

	got := mountsUnder(out, "/usr/local/burrow/jails/web-1")

	assert.Equal(t, []string{
		"/usr/local/burrow/jails/web-1/usr/lib",
		"/usr/local/burrow/jails/web-1/app/storage",
		"/usr/local/burrow/jails/web-1/dev",
		"/usr/local/burrow/jails/web-1/bin",
	}, got)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	m := newTestManager(host)

	names, err := m.List(ctx, "h", "web")
	require.NoError(t, err)
	assert.Empty(t, names)

	for _, name := range []string{"web-20240102-000000", "web-20240101-000100", "web-api-20240101-000000", "web-20240101-000000", "build-abcdef012345"} {
		host.AddDir(types.JailPath(name))
	}

	names, err = m.List(ctx, "h", "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"web-20240101-000000", "web-20240101-000100", "web-20240102-000000"}, names)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	addBase(host)
	m := newTestManager(host)

	_, ok, err := m.Lookup(ctx, "h", "web-20200101-000000")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = m.Lookup(ctx, "h", "not-a-jail")
	assert.Error(t, err)

	created, err := m.Create(ctx, "h", createOpts(nil))
	require.NoError(t, err)
	require.NoError(t, m.StartBuildPhase(ctx, "h", created, "", nil))

	j, ok, err := m.Lookup(ctx, "h", created.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JailPhaseBuilding, j.Phase)

	require.NoError(t, m.Cutover(ctx, "h", created, ""))
	j, _, err = m.Lookup(ctx, "h", created.Name)
	require.NoError(t, err)
	assert.Equal(t, types.JailPhaseServing, j.Phase)
	assert.Equal(t, created.IP, j.IP)
	assert.Equal(t, "web", j.Service)
}
