/*
Package health checks that a freshly started jail serves before traffic is
switched to it.

Checks run on the deployed host through the remote executor: jail
addresses live on the host's lo1 alias interface and are not reachable
from the operator's machine.

# Checkers

	┌────────────┬──────────────────────────────────────────────┐
	│ Type       │ Probe                                        │
	├────────────┼──────────────────────────────────────────────┤
	│ tcp        │ nc -z -w <timeout> <ip> <port>               │
	│ http       │ fetch -q -o /dev/null -T <timeout> <url>     │
	│ exec       │ jexec <jail> sh -c <command>                 │
	└────────────┴──────────────────────────────────────────────┘

All checkers implement Checker. Wait runs one until it reports healthy,
sleeping Interval between attempts and giving up after Retries attempts
with ErrUnhealthy wrapping the last result message.

# Usage

	checker := health.NewHTTPChecker(exec, host, health.URLFor(j.IP+":3000", "/up"))
	if _, err := health.Wait(ctx, checker, health.DefaultConfig()); err != nil {
		return err // the deploy rolls the jail back
	}

Results are counted in burrow_health_checks_total by type and result.
*/
package health
