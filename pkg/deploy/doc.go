/*
Package deploy rolls a service out to its hosts.

The Deployer runs the same pipeline on every host of a service, one host
after another. A failed host is reported and the next host is deployed; the
joined errors of all failed hosts are returned at the end.

# Architecture

	┌──────────────────── HOST PIPELINE ─────────────────────┐
	│                                                          │
	│  host lock (/usr/local/burrow/.lock)                     │
	│                                                          │
	│   1. resolve base version    uname -r, patch stripped    │
	│   2. ensure base system      cached by version           │
	│   3. ensure image            cached by fingerprint       │
	│   4. create jail             root, mounts, lo1 alias     │
	│  ┌─────────────── rolled back on failure ─────────────┐  │
	│  │ 5. build phase          ip4=inherit                │  │
	│  │ 6. sync application     data directories excluded  │  │
	│  │ 7. ownership, env file                             │  │
	│  │ 8. before_start hooks                              │  │
	│  │ 9. cutover              private address            │  │
	│  │10. run/log directories                             │  │
	│  │11. start commands       daemon(8), pid files       │  │
	│  │    health check         when configured            │  │
	│  └────────────────────────────────────────────────────┘  │
	│  12. proxy switch, active symlink                        │
	│  13. stop the service in older jails                     │
	│  14. prune beyond jail.keep                              │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

Steps 1 to 4 leave nothing behind when they fail: the base and image
builders clean up their own partial work and jail creation destroys a half
built root. A failure in steps 5 to 11 destroys the new jail before the
error is returned, so the previously serving jail keeps serving. Once the
new jail is serving, failures of steps 12 to 14 are returned without
tearing it down. A configured health check runs after step 11 and counts as
part of the rolled back range: the proxy only switches to a jail that
answered.

# Host Lock

Deploy and Destroy hold a lock directory on each host for the duration of
the host's pipeline. mkdir(1) without -p fails when the directory exists,
which makes acquisition atomic. The owner file inside records a random
token, the operator's hostname and the acquisition time; Release only
removes a lock whose token still matches. A lock left by a killed process
has to be removed by hand:

	rm -rf /usr/local/burrow/.lock

# Pruning

Prune is a pure function over jail names. Names end in a sortable
timestamp, so lexical order is creation order. At most jail.keep jails are
retained, the one just created included, and the newest retained jail is
never selected even when its name would sort first.

# Usage

	d := deploy.NewDeployer(deploy.Options{
		Config:   cfg,
		Executor: remote.NewSSH(sshCfg),
		History:  store,
		Reporter: func(host string) ui.Reporter { return console.ForHost(host) },
		Events:   broker, // optional, see package events
	})
	if err := d.Deploy(ctx); err != nil {
		return err
	}

	for _, st := range d.Status(ctx) {
		fmt.Println(st.Host, st.Active, st.Backend)
	}

# Metrics

Each host deploy increments burrow_deploys_total by result and observes
burrow_deploy_duration_seconds. Every pipeline step observes
burrow_deploy_step_duration_seconds with its step label, and rollbacks
increment burrow_rollbacks_total.
*/
package deploy
