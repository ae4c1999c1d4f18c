/*
Package storage keeps a local BoltDB history of deploys.

Hosts remain the source of truth for what is running: jails, images and
the active symlink are derived from the host filesystem on every command.
The history only answers questions the hosts cannot, such as when a
deploy ran, how long it took and why it was rolled back.

	~/.burrow/history.db
	└── deploys
	    ├── web
	    │   ├── <start time><id> → DeployRecord (JSON)
	    │   └── ...
	    └── api
	        └── ...

Keys start with the big-endian start time, so a cursor walking backwards
from the last key lists deploys newest first.
*/
package storage
