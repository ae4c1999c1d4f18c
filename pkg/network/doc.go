/*
Package network allocates private jail addresses on a host's loopback alias
interface.

Every running jail of every service owns one /32 alias on lo1, taken from
the service's /24 (10.0.0.0/24 unless the service description sets
jail.subnet). The interface itself is the source of truth: FindFree lists
the current aliases with ifconfig(8) and returns the lowest free address
from .2 to .254, so no allocation state is kept anywhere else.

	lo1
	├── 10.0.0.2/32   web-20240101120000
	├── 10.0.0.3/32   web-20240102093000
	└── 10.0.0.4/32   worker-20240102093100

Allocation is not reserved between FindFree and AddAlias. Deploys on one
host are serialized by the deploy lock, which closes that gap.

# Usage

	alloc := network.NewAllocator(exec)
	if err := alloc.EnsureInterface(ctx, host); err != nil {
		return err
	}
	ip, err := alloc.FindFree(ctx, host, subnet)
	if err != nil {
		return err
	}
	if err := alloc.AddAlias(ctx, host, ip); err != nil {
		return err
	}

ParseSubnet only accepts IPv4 /24 networks. go-cidr walks the host range
of the subnet.
*/
package network
