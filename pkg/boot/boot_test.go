package boot

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cuemby/burrow/pkg/remote/remotetest"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScript(t *testing.T) {
	s := Script()

	for _, want := range []string{
		"# PROVIDE: burrow",
		"# REQUIRE: NETWORKING",
		"# BEFORE: caddy",
		". /etc/rc.subr",
		"load_rc_config $name",
		"run_rc_command \"$1\"",
		"burrow_start()",
		"burrow_stop()",
		"burrow_status()",
		"burrow_restart()",
		"ifconfig lo1 create",
		"mount -t devfs devfs",
		"allow.raw_sockets=1 persist",
		"-alias",
		`if [ "$is_zfs" != "true" ]`,
		"$JQ -r '.start_commands[]'",
	} {
		assert.Contains(t, s, want)
	}
}

func TestScriptUsesLayout(t *testing.T) {
	s := Script()

	assert.Contains(t, s, `ACTIVE_DIR="`+types.ActiveDir+`"`)
	assert.Contains(t, s, `JAILS_DIR="`+types.JailsDir+`"`)
	assert.Contains(t, s, `BASE_DIR="`+types.BaseDir+`"`)
	assert.Contains(t, s, `METADATA="`+types.MetadataFile+`"`)
	assert.Contains(t, s, `env_file="`+types.JailEnvFile+`"`)
	assert.Contains(t, s, `app_dir="`+types.JailAppDir+`"`)
	assert.Contains(t, s, `run_dir="`+types.JailRunDir+`/$service"`)
	assert.Contains(t, s, `log_dir="`+types.JailLogDir+`/$service"`)
}

func TestScriptReadsEveryMetadataField(t *testing.T) {
	data, err := json.Marshal(types.JailMetadata{})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"jail_name", "ip", "service", "base_version", "zfs", "data_directories", "start_commands"} {
		_, ok := fields[key]
		assert.True(t, ok, key)
		assert.True(t, strings.Contains(Script(), "."+key), key)
	}
}

func TestInstall(t *testing.T) {
	host := remotetest.NewHost()
	m := NewManager(host)

	require.NoError(t, m.Install(context.Background(), "h"))

	content, ok := host.File(types.RCScript)
	require.True(t, ok)
	assert.Equal(t, Script(), content)
	assert.Equal(t, 1, host.Count(remotetest.Prefix("sysrc", "burrow_enable=YES")))
	assert.True(t, host.Exists(types.ActiveDir))
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	m := NewManager(host)
	root := types.JailPath("web-20240101-000000")
	host.AddDir(root)

	meta := types.JailMetadata{
		JailName:        "web-20240101-000000",
		IP:              "10.0.0.2",
		Service:         "web",
		User:            "app",
		BaseVersion:     "14.1-RELEASE",
		ImagePath:       "/usr/local/burrow/images/abcdef012345",
		ZFS:             true,
		DataDirectories: []types.DataDirectory{{HostPath: "/srv/storage", JailPath: "/app/storage"}},
		StartCommands:   []string{"bin/server"},
	}
	require.NoError(t, m.WriteMetadata(ctx, "h", root, meta))

	raw, ok := host.File(root + "/.burrow.json")
	require.True(t, ok)
	assert.Contains(t, raw, `"jail_name": "web-20240101-000000"`)
	assert.Contains(t, raw, `"host_path": "/srv/storage"`)

	got, err := m.ReadMetadata(ctx, "h", root)
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestWriteMetadataEmptyLists(t *testing.T) {
	host := remotetest.NewHost()
	m := NewManager(host)
	root := types.JailPath("web-20240101-000000")

	require.NoError(t, m.WriteMetadata(context.Background(), "h", root, types.JailMetadata{JailName: "web-20240101-000000"}))

	raw, _ := host.File(root + "/.burrow.json")
	assert.Contains(t, raw, `"data_directories": []`)
	assert.Contains(t, raw, `"start_commands": []`)
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	m := NewManager(host)

	_, ok, err := m.Active(ctx, "h", "web")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Activate(ctx, "h", "web", types.JailPath("web-20240101-000000")))
	require.NoError(t, m.Activate(ctx, "h", "web", types.JailPath("web-20240102-000000")))

	name, ok, err := m.Active(ctx, "h", "web")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "web-20240102-000000", name)

	require.NoError(t, m.Deactivate(ctx, "h", "web"))
	_, ok, err = m.Active(ctx, "h", "web")
	require.NoError(t, err)
	assert.False(t, ok)
}
