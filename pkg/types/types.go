package types

import (
	"time"
)

// BaseSystem is an extracted FreeBSD release tree on a host
type BaseSystem struct {
	Version string
	Path    string
	Dataset string // empty when not volume-managed
}

// Image is a prepared root filesystem cached by content fingerprint
type Image struct {
	Fingerprint string // full 64 hex characters
	Path        string
	Dataset     string // empty when not volume-managed
	BaseVersion string
}

// ShortID returns the storage key of the image
func (i Image) ShortID() string {
	return ShortFingerprint(i.Fingerprint)
}

// Snapshot returns the completion snapshot of a volume-managed image
func (i Image) Snapshot() string {
	if i.Dataset == "" {
		return ""
	}
	return i.Dataset + "@" + ReadySnapshot
}

// ShortFingerprint truncates a fingerprint to its storage key length
func ShortFingerprint(fp string) string {
	if len(fp) <= ShortFingerprintLen {
		return fp
	}
	return fp[:ShortFingerprintLen]
}

// JailPhase is the lifecycle state of a jail
type JailPhase string

const (
	// JailPhaseCreated: root filesystem constructed, address aliased, not running
	JailPhaseCreated JailPhase = "created"
	// JailPhaseBuilding: running with ip4=inherit for setup hooks
	JailPhaseBuilding JailPhase = "building"
	// JailPhaseServing: running with its private address
	JailPhaseServing JailPhase = "serving"
	// JailPhaseStopped: retained for rollback, not running
	JailPhaseStopped JailPhase = "stopped"
	// JailPhaseDestroyed: mounts, alias and storage removed
	JailPhaseDestroyed JailPhase = "destroyed"
)

// NetworkMode reports the network configuration used in a phase
func (p JailPhase) NetworkMode() NetworkMode {
	switch p {
	case JailPhaseBuilding:
		return NetworkInherited
	case JailPhaseServing:
		return NetworkIsolated
	default:
		return ""
	}
}

// NetworkMode is how a running jail sees the network
type NetworkMode string

const (
	NetworkInherited NetworkMode = "inherited"
	NetworkIsolated  NetworkMode = "isolated"
)

// Jail is a container instance of a service on one host
type Jail struct {
	Name    string
	Service string
	Root    string
	IP      string
	Phase   JailPhase
	Cloned  bool   // root is a clone of the image snapshot
	Dataset string // set when Cloned
	Image   *Image
}

// Running reports whether the jail was started by this process
func (j *Jail) Running() bool {
	return j.Phase == JailPhaseBuilding || j.Phase == JailPhaseServing
}

// DataDirectory binds a host path into every jail of a service
type DataDirectory struct {
	HostPath string `json:"host_path"`
	JailPath string `json:"jail_path"`
}

// TLSMode selects how the proxy terminates TLS
type TLSMode string

const (
	TLSOff    TLSMode = "off"    // plain http
	TLSAuto   TLSMode = "auto"   // Caddy-managed certificates
	TLSManual TLSMode = "manual" // certificates installed by burrow
)

// ProxyRoute is the externally visible routing of a service
type ProxyRoute struct {
	Hostname string
	TLS      TLSMode
	Backend  string // ip:port
}

// JailMetadata is the sidecar consumed by the boot script at host start.
// Field names are part of the on-host contract.
type JailMetadata struct {
	JailName        string          `json:"jail_name"`
	IP              string          `json:"ip"`
	Service         string          `json:"service"`
	User            string          `json:"user,omitempty"`
	BaseVersion     string          `json:"base_version"`
	ImagePath       string          `json:"image_path,omitempty"`
	ZFS             bool            `json:"zfs"`
	DataDirectories []DataDirectory `json:"data_directories"`
	StartCommands   []string        `json:"start_commands"`
}

// DeployStatus is the outcome of a deploy to one host
type DeployStatus string

const (
	DeployStatusSucceeded  DeployStatus = "succeeded"
	DeployStatusRolledBack DeployStatus = "rolled_back"
	DeployStatusFailed     DeployStatus = "failed" // failed before a jail existed, or after cutover
)

// DeployRecord is a local history entry for one host deploy
type DeployRecord struct {
	ID          string
	Service     string
	Host        string
	Jail        string
	IP          string
	Image       string
	BaseVersion string
	Status      DeployStatus
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns how long the deploy ran
func (r *DeployRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
