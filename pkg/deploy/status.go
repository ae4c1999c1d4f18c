package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/jail"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/ui"
)

// DeploymentStatus is what a host is running for the service
type DeploymentStatus struct {
	Host    string
	Service string
	Active  string // jail the boot script starts, empty when none
	Backend string // address the proxy routes to, empty without a site
	Jails   []JailStatus
	Err     error
}

// JailStatus describes one jail of the service, newest first in a
// DeploymentStatus
type JailStatus struct {
	Name    string
	Created time.Time
	IP      string
	Running bool
	Serving bool // the proxy routes to this jail
}

// Status reports the jails of the service on every host. Errors are kept
// per host so an unreachable host does not hide the others.
func (d *Deployer) Status(ctx context.Context) []*DeploymentStatus {
	statuses := make([]*DeploymentStatus, 0, len(d.cfg.Hosts))
	for _, host := range d.cfg.Hosts {
		st, err := d.GetDeploymentStatus(ctx, host)
		if err != nil {
			st = &DeploymentStatus{Host: host, Service: d.cfg.Service, Err: err}
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// GetDeploymentStatus returns the status of the service on one host
func (d *Deployer) GetDeploymentStatus(ctx context.Context, host string) (*DeploymentStatus, error) {
	status := &DeploymentStatus{Host: host, Service: d.cfg.Service}

	active, ok, err := d.boot.Active(ctx, host, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	if ok {
		status.Active = active
	}
	backend, ok, err := d.caddy.Backend(ctx, host, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	if ok {
		status.Backend = backend
	}

	names, err := d.jails.List(ctx, host, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		j, found, err := d.jails.Lookup(ctx, host, name)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		_, created, _ := jail.ParseName(name)
		js := JailStatus{
			Name:    name,
			Created: created,
			IP:      j.IP,
			Running: j.Phase == types.JailPhaseServing || j.Phase == types.JailPhaseBuilding,
		}
		if d.cfg.Proxy != nil && j.IP != "" {
			js.Serving = status.Backend == d.cfg.Proxy.Route(j.IP).Backend
		}
		status.Jails = append(status.Jails, js)
	}
	return status, nil
}

// Destroy removes every jail of the service, its active link and its proxy
// site from every host. Data directories and the environment file are kept.
func (d *Deployer) Destroy(ctx context.Context) error {
	var errs []error
	for _, host := range d.cfg.Hosts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := d.withLock(ctx, host, func() error {
			return d.destroyHost(ctx, host, d.reporter(host))
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Deployer) destroyHost(ctx context.Context, host string, rep ui.Reporter) error {
	names, err := d.jails.List(ctx, host, d.cfg.Service)
	if err != nil {
		return err
	}

	var errs []error
	rep.Step("Destroying %d jails", len(names))
	for i, name := range names {
		rep.Progress(i+1, len(names), name)
		if err := d.destroyByName(ctx, host, name, jail.ReasonRemoved); err != nil {
			errs = append(errs, err)
		}
	}

	if err := d.boot.Deactivate(ctx, host, d.cfg.Service); err != nil {
		errs = append(errs, err)
	}
	if d.cfg.Proxy != nil {
		rep.Step("Removing proxy site")
		if err := d.caddy.Remove(ctx, host, d.cfg.Service); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.emit(events.EventServiceDestroyed, host, "destroyed "+d.cfg.Service, nil)
	rep.Done("Destroyed %s", d.cfg.Service)
	return nil
}
