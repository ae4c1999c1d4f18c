package provision

import (
	"context"
	"testing"

	"github.com/cuemby/burrow/pkg/boot"
	"github.com/cuemby/burrow/pkg/ingress"
	"github.com/cuemby/burrow/pkg/remote/remotetest"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() Plan {
	return Plan{
		Service:         "web",
		User:            "app",
		Packages:        []string{"libyaml"},
		DataDirectories: []types.DataDirectory{{HostPath: "/var/db/burrow/web/storage", JailPath: "/app/storage"}},
		Env:             "export RAILS_ENV='production'\n",
		Proxy:           &types.ProxyRoute{Hostname: "example.com", TLS: types.TLSAuto},
		Port:            3000,
	}
}

func TestSetupPlainHost(t *testing.T) {
	host := remotetest.NewHost()
	p := NewProvisioner(host)

	require.NoError(t, p.Setup(context.Background(), "h", testPlan(), nil))

	assert.Equal(t, 1, host.Count(remotetest.Prefix("pkg", "update")))
	assert.Equal(t, 1, host.Count(remotetest.Prefix("pkg", "install", "-y", "caddy", "rsync", "git", "bash", "jq")))
	assert.Equal(t, 1, host.Count(remotetest.Prefix("pkg", "install", "-y", "libyaml")))
	assert.Zero(t, host.Count(remotetest.Prefix("zfs", "create")))

	for _, dir := range []string{types.BaseDir, types.ImagesDir, types.JailsDir, types.ActiveDir,
		"/var/db/burrow/web/app", "/usr/local/etc/burrow/web", "/var/db/burrow/web/storage"} {
		assert.True(t, host.Exists(dir), dir)
	}
	assert.Equal(t, 1, host.Count(remotetest.Prefix("chown", "-R", "app:app", "/var/db/burrow/web", "/var/db/burrow/web/storage")))

	env, ok := host.File("/usr/local/etc/burrow/web/env")
	require.True(t, ok)
	assert.Equal(t, "export RAILS_ENV='production'\n", env)

	caddyfile, ok := host.File(types.CaddyFile)
	require.True(t, ok)
	assert.Contains(t, caddyfile, "import conf.d/*.caddy")
	site, ok := host.File(ingress.ConfPath("web"))
	require.True(t, ok)
	assert.Equal(t, "example.com {\n    reverse_proxy :3000\n}\n", site)
	assert.Equal(t, 1, host.Count(remotetest.Prefix("service", "caddy", "restart")))

	script, ok := host.File(types.RCScript)
	require.True(t, ok)
	assert.Equal(t, boot.Script(), script)
	assert.Equal(t, 1, host.Count(remotetest.Prefix("sysrc", "burrow_enable=YES")))
}

func TestSetupCreatesDatasets(t *testing.T) {
	host := remotetest.NewHost()
	host.Datasets["zroot"] = "/"
	p := NewProvisioner(host)

	require.NoError(t, p.Setup(context.Background(), "h", testPlan(), nil))

	assert.Equal(t, types.RootDir, host.Datasets["zroot/burrow"])
	assert.Equal(t, types.BaseDir, host.Datasets["zroot/burrow/base"])
	assert.Equal(t, types.ImagesDir, host.Datasets["zroot/burrow/images"])
	assert.Equal(t, types.JailsDir, host.Datasets["zroot/burrow/jails"])

	host.Commands = nil
	require.NoError(t, p.Setup(context.Background(), "h", testPlan(), nil))
	assert.Zero(t, host.Count(remotetest.Prefix("zfs", "create")), "setup is idempotent")
}

func TestSetupKeepsDeployedSite(t *testing.T) {
	host := remotetest.NewHost()
	live := "example.com {\n    reverse_proxy 10.0.0.4:3000\n}\n"
	host.AddFile(ingress.ConfPath("web"), live)
	p := NewProvisioner(host)

	require.NoError(t, p.Setup(context.Background(), "h", testPlan(), nil))

	site, _ := host.File(ingress.ConfPath("web"))
	assert.Equal(t, live, site)
}

func TestSetupManualCertificate(t *testing.T) {
	host := remotetest.NewHost()
	plan := testPlan()
	plan.Proxy.TLS = types.TLSManual
	plan.Certificate = &ingress.Certificate{CertificatePEM: "CERT", PrivateKeyPEM: "KEY"}

	require.NoError(t, NewProvisioner(host).Setup(context.Background(), "h", plan, nil))

	crt, ok := host.File(ingress.CertPath("web"))
	require.True(t, ok)
	assert.Equal(t, "CERT", crt)
	site, _ := host.File(ingress.ConfPath("web"))
	assert.Contains(t, site, "tls "+ingress.CertPath("web"))
}

func TestSetupWithoutUserOrProxy(t *testing.T) {
	host := remotetest.NewHost()
	plan := Plan{Service: "worker", Env: ""}

	require.NoError(t, NewProvisioner(host).Setup(context.Background(), "h", plan, nil))

	assert.Zero(t, host.Count(remotetest.Prefix("pw", "useradd")))
	assert.Zero(t, host.Count(remotetest.Prefix("chown")))
	assert.False(t, host.Exists(ingress.ConfPath("worker")))
	assert.Equal(t, 1, host.Count(remotetest.Prefix("service", "caddy", "restart")))
}

func TestSetupStopsOnFailure(t *testing.T) {
	host := remotetest.NewHost()
	host.FailWhen(remotetest.Prefix("pkg", "install"))

	err := NewProvisioner(host).Setup(context.Background(), "h", testPlan(), nil)
	require.Error(t, err)
	assert.False(t, host.Exists(types.RCScript))
}
