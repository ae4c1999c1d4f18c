/*
Package jail manages the lifecycle of service jails on a host.

A jail moves through a fixed set of phases:

	Created → Building → Serving → Stopped → Destroyed

Create builds the root filesystem. A ready image on ZFS is cloned
straight into the jail's dataset; otherwise the image's (or base system's)
writable directories are copied and the base system's read-only subtrees
are nullfs-mounted, so each jail only costs its writable delta on disk.
Data directories are mounted read-write and a free address is aliased on
lo1.

StartBuildPhase runs the jail with ip4=inherit so hooks have outbound
network access. Cutover restarts the same root on the jail's private
address, which is what the reverse proxy targets.

Destroy is best effort: it stops the jail, removes its alias, unmounts
everything under its root as listed by the live mount table, and removes
its dataset or directory.

Jail names are <service>-<YYYYMMDD-HHMMSS>, so sorting names sorts jails
by creation time.
*/
package jail
