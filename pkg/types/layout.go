package types

import "path"

// Host filesystem layout. The rc.d boot script depends on these paths.
const (
	RootDir   = "/usr/local/burrow"
	BaseDir   = RootDir + "/base"
	ImagesDir = RootDir + "/images"
	JailsDir  = RootDir + "/jails"
	ActiveDir = RootDir + "/active"
	LockDir   = RootDir + "/.lock"

	ConfigDir  = "/usr/local/etc/burrow"
	AppDataDir = "/var/db/burrow"
	RCScript   = "/usr/local/etc/rc.d/burrow"

	// Inside a jail
	JailAppDir   = "/app"
	JailEnvFile  = "/etc/burrow.env"
	JailRunDir   = "/var/run/burrow"
	JailLogDir   = "/var/log/burrow"
	MetadataFile = ".burrow.json"

	CaddyConfDir  = "/usr/local/etc/caddy/conf.d"
	CaddyFile     = "/usr/local/etc/caddy/Caddyfile"
	CaddyCertsDir = "/usr/local/etc/caddy/certs"

	// LoopbackInterface carries one alias per jail address
	LoopbackInterface = "lo1"

	// ReadySnapshot is the completion snapshot name on datasets
	ReadySnapshot = "ready"
	// ReadyMarker is the completion marker file on plain directories
	ReadyMarker = ".burrow-ready"

	ShortFingerprintLen = 12

	DefaultSubnet   = "10.0.0.0/24"
	DefaultJailKeep = 3
	DefaultZFSPool  = "zroot"
)

// BasePath returns where a base system version lives
func BasePath(version string) string {
	return path.Join(BaseDir, version)
}

// ImagePath returns where an image with the given short fingerprint lives
func ImagePath(short string) string {
	return path.Join(ImagesDir, short)
}

// JailPath returns the root of a jail
func JailPath(name string) string {
	return path.Join(JailsDir, name)
}

// ActiveLink returns the symlink pointing at the serving jail of a service
func ActiveLink(service string) string {
	return path.Join(ActiveDir, service)
}

// ServiceRunDir returns the per-service PID file directory inside a jail
func ServiceRunDir(service string) string {
	return path.Join(JailRunDir, service)
}

// ServiceLogDir returns the per-service log directory inside a jail
func ServiceLogDir(service string) string {
	return path.Join(JailLogDir, service)
}
