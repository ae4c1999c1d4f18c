/*
Package types defines the data structures shared across burrow.

Nothing here talks to a host. The types describe state that lives on the
hosts themselves: burrow keeps no database of jails or images, so every value
in this package can be rebuilt by listing directories, datasets and marker
files under RootDir.

# Core Types

  - BaseSystem: an extracted FreeBSD release tree, one per version per host
  - Image: base + packages + runtimes, keyed by a content fingerprint
  - Jail: one container instance of a service, named {service}-{timestamp}
  - JailPhase: created → building → serving → stopped | destroyed
  - DataDirectory: host path bind-mounted into every jail of a service
  - ProxyRoute: hostname, TLS mode and backend address for Caddy
  - JailMetadata: JSON sidecar read by the rc.d script at boot
  - DeployRecord: local history entry written after each host deploy

# Layout

layout.go pins the on-host directory layout. The rc.d boot script reads the
same paths, so changing any of them is a breaking change for hosts that were
set up by an older release.
*/
package types
