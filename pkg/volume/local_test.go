package volume

import (
	"context"
	"testing"

	"github.com/cuemby/burrow/pkg/remote/remotetest"
	"github.com/cuemby/burrow/pkg/types"
)

const jailRoot = "/usr/local/burrow/jails/web-20240101-000000"

func TestLocalDriver_Create(t *testing.T) {
	host := remotetest.NewHost()
	driver := NewLocalDriver(host)

	dir := types.DataDirectory{HostPath: "/var/db/burrow/web/storage", JailPath: "/app/storage"}
	if err := driver.Create(context.Background(), "h", dir); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if !host.Exists(dir.HostPath) {
		t.Errorf("host directory was not created at %s", dir.HostPath)
	}
}

func TestLocalDriver_Mount(t *testing.T) {
	ctx := context.Background()
	host := remotetest.NewHost()
	host.AddDir(jailRoot)
	driver := NewLocalDriver(host)

	dir := types.DataDirectory{HostPath: "/var/db/burrow/web/storage", JailPath: "/app/storage"}
	if err := driver.Create(ctx, "h", dir); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := driver.Mount(ctx, "h", jailRoot, dir); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}

	want := jailRoot + "/app/storage"
	if got := driver.GetPath(jailRoot, dir); got != want {
		t.Errorf("GetPath() = %v, want %v", got, want)
	}

	mounts := host.MountsUnder(jailRoot)
	if len(mounts) != 1 || mounts[0] != want {
		t.Fatalf("mounts = %v, want [%s]", mounts, want)
	}
	if host.Mounts[0].ReadOnly {
		t.Error("data directory must be mounted read-write")
	}

	if err := driver.Unmount(ctx, "h", jailRoot, dir); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
	if len(host.MountsUnder(jailRoot)) != 0 {
		t.Error("mount still present after Unmount()")
	}
	if !host.Exists(dir.HostPath) {
		t.Error("Unmount() must keep the host directory")
	}
}

func TestLocalDriver_Mount_MissingHostDir(t *testing.T) {
	host := remotetest.NewHost()
	host.AddDir(jailRoot)
	driver := NewLocalDriver(host)

	dir := types.DataDirectory{HostPath: "/var/db/missing", JailPath: "/data"}
	if err := driver.Mount(context.Background(), "h", jailRoot, dir); err == nil {
		t.Error("Mount() of missing host directory should return error")
	}
}

func TestLocalDriver_Chown(t *testing.T) {
	host := remotetest.NewHost()
	host.AddDir(jailRoot)
	host.Jails["web-20240101-000000"] = remotetest.RunningJail{Name: "web-20240101-000000", Path: jailRoot}
	driver := NewLocalDriver(host)

	dir := types.DataDirectory{HostPath: "/srv/data", JailPath: "/app/storage"}
	if err := driver.Chown(context.Background(), "h", "web-20240101-000000", "app", dir); err != nil {
		t.Fatalf("Chown() error = %v", err)
	}
	if n := host.Count(remotetest.Prefix("jexec", "web-20240101-000000", "chown", "-R", "app", "/app/storage")); n != 1 {
		t.Errorf("chown ran %d times, want 1", n)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		dir     types.DataDirectory
		wantErr bool
	}{
		{"same path", types.DataDirectory{HostPath: "/srv/data", JailPath: "/srv/data"}, false},
		{"mapped", types.DataDirectory{HostPath: "/srv/data", JailPath: "/app/storage"}, false},
		{"relative host", types.DataDirectory{HostPath: "data", JailPath: "/app/storage"}, true},
		{"relative jail", types.DataDirectory{HostPath: "/srv/data", JailPath: "storage"}, true},
		{"jail root", types.DataDirectory{HostPath: "/srv/data", JailPath: "/"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExcludes(t *testing.T) {
	dirs := []types.DataDirectory{
		{HostPath: "/srv/storage", JailPath: "/app/storage"},
		{HostPath: "/srv/uploads", JailPath: "/app/public/uploads/"},
		{HostPath: "/srv/db", JailPath: "/var/db/postgres"},
		{HostPath: "/srv/app2", JailPath: "/application"},
	}

	got := Excludes(dirs, "/app")
	want := []string{"/storage", "/public/uploads"}

	if len(got) != len(want) {
		t.Fatalf("Excludes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Excludes()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
