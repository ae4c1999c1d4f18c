package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// FirstHost and LastHost bound the scanned host suffixes. .0, .1 and
	// .255 are reserved.
	FirstHost = 2
	LastHost  = 254
)

var (
	// ErrNoAddressAvailable is returned when every address of the subnet is aliased
	ErrNoAddressAvailable = errors.New("no free address in subnet")

	// ErrUnsupportedSubnet is returned for anything other than an IPv4 /24
	ErrUnsupportedSubnet = errors.New("subnet must be an IPv4 /24")
)

// ParseSubnet parses an IPv4 /24 in CIDR notation. Other prefix lengths
// are rejected instead of being scanned as if they were a /24.
func ParseSubnet(s string) (*net.IPNet, error) {
	_, subnet, err := net.ParseCIDR(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", s, err)
	}
	ones, bits := subnet.Mask.Size()
	if bits != 32 || ones != 24 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSubnet, s)
	}
	return subnet, nil
}

// Allocator hands out jail addresses by scanning the aliases of lo1
type Allocator struct {
	exec   remote.Executor
	iface  string
	logger zerolog.Logger
}

// NewAllocator creates an allocator for the loopback alias interface
func NewAllocator(exec remote.Executor) *Allocator {
	return &Allocator{
		exec:   exec,
		iface:  types.LoopbackInterface,
		logger: log.WithComponent("network"),
	}
}

// EnsureInterface creates the loopback alias interface if it is missing
func (a *Allocator) EnsureInterface(ctx context.Context, host string) error {
	ok, err := remote.Check(ctx, a.exec, host, remote.Cmd("ifconfig", a.iface))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", a.iface, err)
	}
	if ok {
		return nil
	}
	a.logger.Info().Str("host", host).Str("interface", a.iface).Msg("creating loopback interface")
	if err := a.exec.Run(ctx, host, remote.Sudo("ifconfig", a.iface, "create")); err != nil {
		return fmt.Errorf("failed to create %s: %w", a.iface, err)
	}
	return nil
}

// ListAliases returns the IPv4 addresses currently on the interface
func (a *Allocator) ListAliases(ctx context.Context, host string) ([]string, error) {
	out, err := a.exec.Output(ctx, host, remote.Cmd("ifconfig", a.iface, "inet"))
	if err != nil {
		if remote.IsExit(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s addresses: %w", a.iface, err)
	}
	return parseInet(out), nil
}

// FindFree returns the first host address of subnet, from .2 to .254, that
// is not aliased. Nothing is reserved: callers alias the address right away.
func (a *Allocator) FindFree(ctx context.Context, host string, subnet *net.IPNet) (string, error) {
	aliases, err := a.ListAliases(ctx, host)
	if err != nil {
		return "", err
	}
	ip, err := firstFree(subnet, aliases)
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w", subnet, host, err)
	}
	return ip, nil
}

// AddAlias assigns ip to the interface as a /32
func (a *Allocator) AddAlias(ctx context.Context, host, ip string) error {
	a.logger.Debug().Str("host", host).Str("ip", ip).Msg("adding alias")
	if err := a.exec.Run(ctx, host, remote.Sudo("ifconfig", a.iface, "inet", ip+"/32", "alias")); err != nil {
		return fmt.Errorf("failed to alias %s: %w", ip, err)
	}
	return nil
}

// RemoveAlias removes ip from the interface
func (a *Allocator) RemoveAlias(ctx context.Context, host, ip string) error {
	a.logger.Debug().Str("host", host).Str("ip", ip).Msg("removing alias")
	if err := a.exec.Run(ctx, host, remote.Sudo("ifconfig", a.iface, "inet", ip, "-alias")); err != nil {
		return fmt.Errorf("failed to remove alias %s: %w", ip, err)
	}
	return nil
}

func firstFree(subnet *net.IPNet, aliases []string) (string, error) {
	used := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		used[a] = true
	}
	for n := FirstHost; n <= LastHost; n++ {
		ip, err := cidr.Host(subnet, n)
		if err != nil {
			return "", err
		}
		if !used[ip.String()] {
			return ip.String(), nil
		}
	}
	return "", ErrNoAddressAvailable
}

// parseInet extracts addresses from "inet A.B.C.D netmask ..." lines
func parseInet(out string) []string {
	var ips []string
	for _, line := range remote.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "inet" {
			ips = append(ips, fields[1])
		}
	}
	return ips
}
