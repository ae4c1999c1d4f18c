package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
service: web
hosts: [bsd1.example.com]
start: [bin/server]
`

func lookupFrom(env map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "web", cfg.Service)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, types.DefaultSubnet, cfg.Jail.IPRange)
	assert.Equal(t, types.DefaultJailKeep, cfg.Jail.Keep)
	assert.Nil(t, cfg.Proxy)
	assert.False(t, cfg.Doas)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(`
service: web-api
user: app
hosts: [a.example.com, b.example.com]
doas: true
timeout: 45m
jail:
  base_version: 14.1-RELEASE
  ip_range: 10.1.2.0/24
  keep: 5
proxy:
  hostname: api.example.com
  port: 8080
  tls: false
packages: [curl, libyaml]
mise:
  ruby: 3.4.7
  node: "22"
env:
  clear:
    - RAILS_ENV: production
    - PORT: "8080"
  secret: [SECRET_KEY_BASE]
before_start: [bundle install]
start: [bin/rails server, bin/jobs]
data_directories:
  - /var/db/burrow/web-api/storage: /app/storage
  - /srv/shared
`))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Timeout)
	assert.Equal(t, 5, cfg.Jail.Keep)
	assert.Equal(t, "14.1-RELEASE", cfg.Jail.BaseVersion)
	assert.Equal(t, map[string]string{"ruby": "3.4.7", "node": "22"}, cfg.Mise)
	assert.Equal(t, EnvList{{Name: "RAILS_ENV", Value: "production"}, {Name: "PORT", Value: "8080"}}, cfg.Env.Clear)
	assert.Equal(t, []types.DataDirectory{
		{HostPath: "/var/db/burrow/web-api/storage", JailPath: "/app/storage"},
		{HostPath: "/srv/shared", JailPath: "/srv/shared"},
	}, cfg.Bindings())

	subnet, err := cfg.Subnet()
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.0/24", subnet.String())

	route := cfg.Proxy.Route("10.1.2.7")
	assert.Equal(t, types.ProxyRoute{Hostname: "api.example.com", TLS: types.TLSOff, Backend: "10.1.2.7:8080"}, route)
}

func TestTLSMode(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name  string
		proxy ProxyConfig
		want  types.TLSMode
	}{
		{name: "default", proxy: ProxyConfig{}, want: types.TLSAuto},
		{name: "enabled", proxy: ProxyConfig{TLS: &yes}, want: types.TLSAuto},
		{name: "disabled", proxy: ProxyConfig{TLS: &no}, want: types.TLSOff},
		{name: "manual wins", proxy: ProxyConfig{TLS: &no, SSL: &SSLConfig{CertificatePEM: "C", PrivateKeyPEM: "K"}}, want: types.TLSManual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.proxy.TLSMode())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		problem string
	}{
		{name: "missing service", yaml: "hosts: [h]\nstart: [x]\n", problem: "service is required"},
		{name: "uppercase service", yaml: "service: Web\nhosts: [h]\nstart: [x]\n", problem: `service "Web"`},
		{name: "timestamp service", yaml: "service: web-20240101-000000\nhosts: [h]\nstart: [x]\n", problem: "timestamp"},
		{name: "no hosts", yaml: "service: web\nstart: [x]\n", problem: "at least one host"},
		{name: "no start", yaml: "service: web\nhosts: [h]\n", problem: "start command"},
		{name: "wide subnet", yaml: "service: web\nhosts: [h]\nstart: [x]\njail: {ip_range: 10.0.0.0/16}\n", problem: "jail.ip_range"},
		{name: "bad port", yaml: "service: web\nhosts: [h]\nstart: [x]\nproxy: {hostname: a.b, port: 70000}\n", problem: "proxy.port"},
		{name: "missing hostname", yaml: "service: web\nhosts: [h]\nstart: [x]\nproxy: {port: 80}\n", problem: "proxy.hostname"},
		{name: "half ssl", yaml: "service: web\nhosts: [h]\nstart: [x]\nproxy: {hostname: a.b, port: 80, ssl: {certificate_pem: C}}\n", problem: "proxy.ssl"},
		{name: "relative data dir", yaml: "service: web\nhosts: [h]\nstart: [x]\ndata_directories: [storage]\n", problem: "absolute"},
		{name: "bad env name", yaml: "service: web\nhosts: [h]\nstart: [x]\nenv: {clear: [{BAD-NAME: x}]}\n", problem: "BAD-NAME"},
		{name: "bad secret name", yaml: "service: web\nhosts: [h]\nstart: [x]\nenv: {secret: [\"$(id)\"]}\n", problem: "env.secret"},
		{name: "bad user", yaml: "service: web\nuser: \"a b\"\nhosts: [h]\nstart: [x]\n", problem: "user"},
		{name: "healthcheck without target", yaml: "service: web\nhosts: [h]\nstart: [x]\nhealthcheck: {path: /up}\n", problem: "healthcheck needs"},
		{name: "relative healthcheck path", yaml: "service: web\nhosts: [h]\nstart: [x]\nproxy: {hostname: a.b, port: 80}\nhealthcheck: {path: up}\n", problem: "healthcheck.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, strings.Join(verr.Problems, "\n"), tt.problem)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte("jail: {ip_range: nonsense}\n"))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Problems), 4)
}

func TestParseMalformed(t *testing.T) {
	tests := []string{
		"service: [",
		"service: web\nhosts: [h]\nstart: [x]\ndata_directories:\n  - {/a: /b, /c: /d}\n",
		"service: web\nhosts: [h]\nstart: [x]\ndata_directories:\n  - [/a]\n",
		"service: web\nhosts: [h]\nstart: [x]\nenv: {clear: [FOO]}\n",
	}

	for _, data := range tests {
		_, err := Parse([]byte(data))
		assert.Error(t, err, data)
		assert.False(t, errors.Is(err, ErrInvalid), data)
	}
}

func TestEnvMappingNotation(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "env:\n  clear:\n    B: two\n    A: one\n"))
	require.NoError(t, err)
	assert.Equal(t, EnvList{{Name: "A", Value: "one"}, {Name: "B", Value: "two"}}, cfg.Env.Clear)
}

func TestRenderEnv(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
env:
  clear:
    - RAILS_ENV: production
    - GREETING: "it's here"
  secret: [SECRET_KEY_BASE]
`))
	require.NoError(t, err)

	content, err := cfg.RenderEnv(lookupFrom(map[string]string{"SECRET_KEY_BASE": "s3cr'et"}))
	require.NoError(t, err)
	assert.Equal(t,
		"export RAILS_ENV='production'\n"+
			"export GREETING='it'\\''s here'\n"+
			"export SECRET_KEY_BASE='s3cr'\\''et'\n",
		content)

	cfg.Mise = map[string]string{"ruby": "3.4.7"}
	content, err = cfg.RenderEnv(lookupFrom(map[string]string{"SECRET_KEY_BASE": "x"}))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(content, "\neval \"$(mise activate bash)\"\n"))
}

func TestRenderEnvMissingSecret(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "env:\n  secret: [SECRET_KEY_BASE]\n"))
	require.NoError(t, err)

	_, err = cfg.RenderEnv(lookupFrom(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingSecret))
	assert.Contains(t, err.Error(), "SECRET_KEY_BASE")
}

func TestCertificate(t *testing.T) {
	cfg, err := Parse([]byte(minimal + "proxy:\n  hostname: a.example.com\n  port: 80\n  ssl:\n    certificate_pem: WEB_CERT\n    private_key_pem: WEB_KEY\n"))
	require.NoError(t, err)

	_, err = cfg.Certificate(lookupFrom(map[string]string{"WEB_CERT": "cert"}))
	assert.True(t, errors.Is(err, ErrMissingSecret))

	cert, err := cfg.Certificate(lookupFrom(map[string]string{"WEB_CERT": "cert", "WEB_KEY": "key"}))
	require.NoError(t, err)
	assert.Equal(t, "cert", cert.CertificatePEM)
	assert.Equal(t, "key", cert.PrivateKeyPEM)

	plain, err := Parse([]byte(minimal))
	require.NoError(t, err)
	cert, err = plain.Certificate(lookupFrom(nil))
	require.NoError(t, err)
	assert.Nil(t, cert)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.yml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Service)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "burrow.yml")

	require.NoError(t, WriteTemplate(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "myapp", cfg.Service)
	assert.Equal(t, types.TLSAuto, cfg.Proxy.TLSMode())
	assert.Equal(t, []types.DataDirectory{{HostPath: "/var/db/burrow/myapp/storage", JailPath: "/app/storage"}}, cfg.Bindings())

	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))
	err = WriteTemplate(path)
	assert.True(t, errors.Is(err, ErrExists))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestHealthCheckDefaults(t *testing.T) {
	cfg, err := Parse([]byte("service: web\nhosts: [h]\nstart: [x]\nhealthcheck: {command: bin/check, interval: 500ms}\n"))
	require.NoError(t, err)
	require.NotNil(t, cfg.HealthCheck)
	assert.Equal(t, DefaultHealthTimeout, cfg.HealthCheck.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.HealthCheck.Interval)
}
