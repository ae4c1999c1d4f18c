/*
Package volume attaches persistent data directories to jails.

A data directory is a host path bound read-write into every jail of a
service with nullfs. Jails are replaced on each deploy; the host directory
is not, so uploads, databases and other state survive regeneration without
being copied.

	driver := volume.NewLocalDriver(exec)
	if err := driver.Create(ctx, host, dir); err != nil {
		return err
	}
	if err := driver.Mount(ctx, host, jailRoot, dir); err != nil {
		return err
	}

Bindings that live inside the application directory are excluded from the
application sync (see Excludes) so rsync --delete never touches them.
*/
package volume
