package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/cuemby/burrow/pkg/base"
	"github.com/cuemby/burrow/pkg/boot"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/image"
	"github.com/cuemby/burrow/pkg/ingress"
	"github.com/cuemby/burrow/pkg/jail"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/remote"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/ui"
	"github.com/cuemby/burrow/pkg/volume"
	"github.com/cuemby/burrow/pkg/zfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pipeline step names, used as the step label of metrics.StepDuration
const (
	StepBase    = "base"
	StepImage   = "image"
	StepCreate  = "create"
	StepBuild   = "build"
	StepSync    = "sync"
	StepEnv     = "env"
	StepHooks   = "hooks"
	StepCutover = "cutover"
	StepStart   = "start"
	StepHealth  = "health"
	StepProxy   = "proxy"
	StepStopOld = "stop_old"
	StepPrune   = "prune"
)

// Options configures a Deployer
type Options struct {
	Config   *config.Config
	Executor remote.Executor

	// SourceDir is the local application tree synced into each jail,
	// the working directory when empty
	SourceDir string

	// Lookup resolves secrets from the operator's environment,
	// os.LookupEnv when nil
	Lookup config.LookupFunc

	// History records one entry per host deploy when set
	History storage.Store

	// Reporter returns the progress reporter for a host, ui.Nop when nil
	Reporter func(host string) ui.Reporter

	// Events receives deploy lifecycle events when set
	Events *events.Broker

	BaseOptions []base.Option
	Now         func() time.Time
}

// Deployer rolls a service out to its hosts
type Deployer struct {
	cfg       *config.Config
	exec      remote.Executor
	sourceDir string
	lookup    config.LookupFunc
	history   storage.Store
	reporter  func(string) ui.Reporter
	events    *events.Broker
	now       func() time.Time

	base   *base.Provisioner
	images *image.Builder
	jails  *jail.Manager
	caddy  *ingress.Caddy
	boot   *boot.Manager

	logger zerolog.Logger
}

// NewDeployer creates a new deployer
func NewDeployer(opts Options) *Deployer {
	d := &Deployer{
		cfg:       opts.Config,
		exec:      opts.Executor,
		sourceDir: opts.SourceDir,
		lookup:    opts.Lookup,
		history:   opts.History,
		reporter:  opts.Reporter,
		events:    opts.Events,
		now:       opts.Now,
		logger:    log.WithService(opts.Config.Service),
	}
	if d.sourceDir == "" {
		d.sourceDir = "."
	}
	if d.lookup == nil {
		d.lookup = os.LookupEnv
	}
	if d.reporter == nil {
		d.reporter = func(string) ui.Reporter { return ui.Nop{} }
	}
	if d.now == nil {
		d.now = time.Now
	}

	zfsMgr := zfs.NewManager(opts.Executor)
	d.base = base.NewProvisioner(opts.Executor, zfsMgr, opts.BaseOptions...)
	d.images = image.NewBuilder(opts.Executor, zfsMgr)
	d.jails = jail.NewManager(opts.Executor, zfsMgr, network.NewAllocator(opts.Executor))
	d.caddy = ingress.NewCaddy(opts.Executor)
	d.boot = boot.NewManager(opts.Executor)
	return d
}

// release is everything resolved locally before any host is touched
type release struct {
	env    string
	cert   *ingress.Certificate
	subnet *net.IPNet
}

// Deploy runs the pipeline on every host in order. A failing host does not
// stop the others; all failures are returned joined.
func (d *Deployer) Deploy(ctx context.Context) error {
	rel, err := d.prepare()
	if err != nil {
		return err
	}

	var errs []error
	for _, host := range d.cfg.Hosts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := d.deployHost(ctx, host, rel); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
	}
	return errors.Join(errs...)
}

// prepare resolves secrets and the address range so a missing variable
// fails before any host is modified
func (d *Deployer) prepare() (release, error) {
	env, err := d.cfg.RenderEnv(d.lookup)
	if err != nil {
		return release{}, err
	}
	cert, err := d.cfg.Certificate(d.lookup)
	if err != nil {
		return release{}, err
	}
	subnet, err := d.cfg.Subnet()
	if err != nil {
		return release{}, err
	}
	return release{env: env, cert: cert, subnet: subnet}, nil
}

// deployHost runs the pipeline on one host under the host lock and returns
// the history record of the attempt
func (d *Deployer) deployHost(ctx context.Context, host string, rel release) (*types.DeployRecord, error) {
	record := &types.DeployRecord{
		ID:        uuid.NewString(),
		Service:   d.cfg.Service,
		Host:      host,
		StartedAt: d.now(),
	}
	timer := metrics.NewTimer()
	logger := d.logger.With().Str("host", host).Str("deploy", record.ID).Logger()
	d.emit(events.EventDeployStarted, host, "deploy "+record.ID+" started", map[string]string{"deploy": record.ID})

	err := d.withLock(ctx, host, func() error {
		return d.pipeline(ctx, host, rel, record)
	})

	record.FinishedAt = d.now()
	switch {
	case err == nil:
		record.Status = types.DeployStatusSucceeded
	case record.Status == "":
		record.Status = types.DeployStatusFailed
	}
	if err != nil {
		record.Error = err.Error()
	}
	metrics.DeploysTotal.WithLabelValues(string(record.Status)).Inc()
	timer.ObserveDuration(metrics.DeployDuration)

	if d.history != nil {
		if herr := d.history.RecordDeploy(record); herr != nil {
			logger.Warn().Err(herr).Msg("failed to record deploy history")
		}
	}

	meta := map[string]string{"deploy": record.ID, "jail": record.Jail, "ip": record.IP}
	if err != nil {
		meta["error"] = err.Error()
		typ := events.EventDeployFailed
		if record.Status == types.DeployStatusRolledBack {
			typ = events.EventDeployRolledBack
		}
		d.emit(typ, host, fmt.Sprintf("deploy %s %s", record.ID, record.Status), meta)
		logger.Error().Err(err).Str("status", string(record.Status)).Msg("deploy failed")
		return record, err
	}
	d.emit(events.EventDeploySucceeded, host, "deployed "+record.Jail, meta)
	logger.Info().Str("jail", record.Jail).Str("ip", record.IP).Dur("duration", record.Duration()).Msg("deploy succeeded")
	return record, nil
}

func (d *Deployer) pipeline(ctx context.Context, host string, rel release, record *types.DeployRecord) error {
	rep := d.reporter(host)
	cfg := d.cfg

	rep.Step("Resolving base system version")
	version, err := base.ResolveVersion(ctx, d.exec, host, cfg.Jail.BaseVersion)
	if err != nil {
		return err
	}
	record.BaseVersion = version

	rep.Step("Ensuring base system %s", version)
	if err := d.step(StepBase, func() error {
		_, err := d.base.Ensure(ctx, host, version)
		return err
	}); err != nil {
		return err
	}

	rep.Step("Ensuring image")
	var img types.Image
	if err := d.step(StepImage, func() error {
		img, err = d.images.Ensure(ctx, host, image.Spec{
			BaseVersion: version,
			Packages:    cfg.Packages,
			Tools:       cfg.Mise,
			User:        cfg.User,
		}, rep)
		return err
	}); err != nil {
		return err
	}
	record.Image = img.ShortID()

	rep.Step("Creating jail")
	var j *types.Jail
	if err := d.step(StepCreate, func() error {
		j, err = d.jails.Create(ctx, host, jail.CreateOptions{
			Service:         cfg.Service,
			BaseVersion:     version,
			Subnet:          rel.subnet,
			Image:           &img,
			DataDirectories: cfg.Bindings(),
			Now:             d.now(),
		})
		return err
	}); err != nil {
		return err
	}
	record.Jail = j.Name
	record.IP = j.IP
	rep.Done("Jail %s on %s", j.Name, j.IP)
	d.emit(events.EventJailCreated, host, "created "+j.Name, jailMeta(j))

	if err := d.launch(ctx, host, j, img, rel, rep); err != nil {
		rep.Warn("Rolling back %s", j.Name)
		if derr := d.jails.Destroy(ctx, host, j, jail.ReasonRollback); derr != nil {
			d.logger.Warn().Err(derr).Str("host", host).Str("jail", j.Name).Msg("rollback cleanup failed")
		} else {
			d.emitDestroyed(host, j, jail.ReasonRollback)
		}
		metrics.RollbacksTotal.Inc()
		record.Status = types.DeployStatusRolledBack
		return err
	}

	// The new jail is serving from here on; later failures are reported
	// without tearing it down.
	rep.Step("Switching proxy")
	if err := d.step(StepProxy, func() error { return d.switchTraffic(ctx, host, j, rel) }); err != nil {
		return err
	}
	d.emit(events.EventProxySwitched, host, "serving "+j.Name, jailMeta(j))

	var errs []error
	rep.Step("Stopping previous jails")
	if err := d.step(StepStopOld, func() error { return d.stopOthers(ctx, host, j) }); err != nil {
		errs = append(errs, err)
	}
	rep.Step("Pruning old jails")
	if err := d.step(StepPrune, func() error { return d.prune(ctx, host, j, rep) }); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	rep.Done("Deployed %s", j.Name)
	return nil
}

// launch runs the steps after which a failure destroys the new jail
func (d *Deployer) launch(ctx context.Context, host string, j *types.Jail, img types.Image, rel release, rep ui.Reporter) error {
	cfg := d.cfg
	bindings := cfg.Bindings()

	rep.Step("Starting build phase")
	if err := d.step(StepBuild, func() error {
		return d.jails.StartBuildPhase(ctx, host, j, cfg.User, bindings)
	}); err != nil {
		return err
	}

	rep.Step("Syncing application")
	if err := d.step(StepSync, func() error {
		appDir := path.Join(j.Root, types.JailAppDir)
		if err := d.exec.Run(ctx, host, remote.Sudo("mkdir", "-p", appDir)); err != nil {
			return fmt.Errorf("failed to create app directory: %w", err)
		}
		excludes := volume.Excludes(bindings, types.JailAppDir)
		if err := d.exec.Sync(ctx, host, d.sourceDir, appDir, excludes, true); err != nil {
			return fmt.Errorf("failed to sync application: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := d.step(StepEnv, func() error { return d.writeEnv(ctx, host, j, rel.env) }); err != nil {
		return err
	}

	if len(cfg.BeforeStart) > 0 || len(cfg.Mise) > 0 {
		rep.Step("Running before_start hooks")
	}
	if err := d.step(StepHooks, func() error {
		if len(cfg.Mise) > 0 {
			d.jails.TrustMise(ctx, host, j, cfg.User)
		}
		for i, hook := range cfg.BeforeStart {
			rep.Progress(i+1, len(cfg.BeforeStart), hook)
			if err := d.jails.Exec(ctx, host, j, cfg.User, hook); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	rep.Step("Moving %s to %s", j.Name, j.IP)
	if err := d.step(StepCutover, func() error { return d.jails.Cutover(ctx, host, j, cfg.User) }); err != nil {
		return err
	}

	rep.Step("Starting service")
	if err := d.step(StepStart, func() error {
		for i, command := range cfg.Start {
			rep.Progress(i+1, len(cfg.Start), command)
			if err := d.jails.Daemon(ctx, host, j, cfg.User, i, command); err != nil {
				return err
			}
		}
		return d.boot.WriteMetadata(ctx, host, j.Root, types.JailMetadata{
			JailName:        j.Name,
			IP:              j.IP,
			Service:         cfg.Service,
			User:            cfg.User,
			BaseVersion:     img.BaseVersion,
			ImagePath:       img.Path,
			ZFS:             j.Cloned,
			DataDirectories: bindings,
			StartCommands:   cfg.Start,
		})
	}); err != nil {
		return err
	}

	if cfg.HealthCheck == nil {
		return nil
	}
	rep.Step("Waiting for %s to become healthy", j.Name)
	return d.step(StepHealth, func() error { return d.waitHealthy(ctx, host, j) })
}

// waitHealthy probes the new jail until it answers or the health check
// timeout runs out
func (d *Deployer) waitHealthy(ctx context.Context, host string, j *types.Jail) error {
	hc := d.cfg.HealthCheck
	var checker health.Checker
	switch {
	case hc.Command != "":
		checker = health.NewExecChecker(d.exec, host, j.Name, hc.Command)
	case hc.Path != "":
		checker = health.NewHTTPChecker(d.exec, host, health.URLFor(d.cfg.Proxy.Route(j.IP).Backend, hc.Path))
	default:
		checker = health.NewTCPChecker(d.exec, host, d.cfg.Proxy.Route(j.IP).Backend)
	}

	hcfg := health.DefaultConfig()
	if hc.Interval > 0 {
		hcfg.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		hcfg.Retries = int(hc.Timeout / hcfg.Interval)
	}
	status, err := health.Wait(ctx, checker, hcfg)
	if err != nil {
		return fmt.Errorf("%s did not become healthy: %w", j.Name, err)
	}
	d.logger.Info().Str("host", host).Str("jail", j.Name).Str("check", string(checker.Type())).
		Str("result", status.LastResult.Message).Msg("jail healthy")
	meta := jailMeta(j)
	meta["check"] = string(checker.Type())
	d.emit(events.EventJailHealthy, host, j.Name+" is healthy", meta)
	return nil
}

// writeEnv hands the application tree to the service user and installs
// the environment file sourced by hooks and start commands
func (d *Deployer) writeEnv(ctx context.Context, host string, j *types.Jail, env string) error {
	user := d.cfg.User
	if user != "" {
		owner := user + ":" + user
		if err := d.exec.Run(ctx, host, remote.Sudo("jexec", j.Name, "chown", "-R", owner, types.JailAppDir)); err != nil {
			return fmt.Errorf("failed to chown app directory: %w", err)
		}
	}

	envPath := path.Join(j.Root, types.JailEnvFile)
	if err := d.exec.WriteFile(ctx, host, []byte(env), envPath, true); err != nil {
		return fmt.Errorf("failed to write environment file: %w", err)
	}
	if err := d.exec.Run(ctx, host, remote.Sudo("chmod", "600", envPath)); err != nil {
		return err
	}
	if user != "" {
		if err := d.exec.Run(ctx, host, remote.Sudo("jexec", j.Name, "chown", user, types.JailEnvFile)); err != nil {
			return fmt.Errorf("failed to chown environment file: %w", err)
		}
	}
	return nil
}

// switchTraffic points the proxy at the new jail and marks it active for
// the boot script
func (d *Deployer) switchTraffic(ctx context.Context, host string, j *types.Jail, rel release) error {
	if p := d.cfg.Proxy; p != nil {
		if err := d.caddy.Install(ctx, host, d.cfg.Service, p.Route(j.IP), rel.cert); err != nil {
			return err
		}
	}
	return d.boot.Activate(ctx, host, d.cfg.Service, j.Root)
}

// stopOthers stops the service in every other jail of the service. Jails
// stay on disk and keep their address for rollback.
func (d *Deployer) stopOthers(ctx context.Context, host string, current *types.Jail) error {
	names, err := d.jails.List(ctx, host, d.cfg.Service)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if name == current.Name {
			continue
		}
		if err := d.jails.StopService(ctx, host, name, d.cfg.Service); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Deployer) prune(ctx context.Context, host string, current *types.Jail, rep ui.Reporter) error {
	names, err := d.jails.List(ctx, host, d.cfg.Service)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range Prune(names, current.Name, d.cfg.Jail.Keep) {
		if err := d.destroyByName(ctx, host, name, jail.ReasonPrune); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Done("Removed %s", name)
	}
	return errors.Join(errs...)
}

func (d *Deployer) destroyByName(ctx context.Context, host, name, reason string) error {
	j, ok, err := d.jails.Lookup(ctx, host, name)
	if err != nil || !ok {
		return err
	}
	if err := d.jails.Destroy(ctx, host, j, reason); err != nil {
		return err
	}
	d.emitDestroyed(host, j, reason)
	return nil
}

func (d *Deployer) emit(typ events.EventType, host, msg string, meta map[string]string) {
	d.events.Publish(&events.Event{
		Type:     typ,
		Host:     host,
		Service:  d.cfg.Service,
		Message:  msg,
		Metadata: meta,
	})
}

func (d *Deployer) emitDestroyed(host string, j *types.Jail, reason string) {
	meta := jailMeta(j)
	meta["reason"] = reason
	d.emit(events.EventJailDestroyed, host, "destroyed "+j.Name, meta)
}

func jailMeta(j *types.Jail) map[string]string {
	return map[string]string{"jail": j.Name, "ip": j.IP}
}

// step runs fn and records its duration under name
func (d *Deployer) step(name string, fn func() error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StepDuration, name)
	return fn()
}
