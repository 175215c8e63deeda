package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/pkg/installer"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// handleMigrate moves workload between hosts. With a placement name in
// the config it relocates that single worker placement; with a service
// list it moves whole services off the source host.
func (e *Engine) handleMigrate(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	if task.Config["placement"] == "" {
		return e.migrateServices(ctx, task, sink)
	}
	return e.migratePlacement(ctx, task, sink)
}

// migratePlacement moves one worker placement to another host. The
// source worker keeps serving until the target copy passes
// verification; any failure before the cutover leaves the source
// untouched.
func (e *Engine) migratePlacement(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	placement, err := e.store.GetPlacementByName(task.Config["placement"])
	if err != nil {
		return err
	}
	source, err := e.inv.Get(placement.HostID)
	if err != nil {
		return err
	}
	target, err := e.inv.Get(task.TargetHostID)
	if err != nil {
		return err
	}
	if source.ID == target.ID {
		return types.NewFault(types.ErrKindConfigInvalid,
			"placement %s is already on host %d", placement.Name, target.ID)
	}

	sink.SetPhase("preflight")
	if err := e.migrationPreflight(target); err != nil {
		return err
	}

	unlock := e.hostLocks.lockPair(source.ID, target.ID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Engine.MigrationTimeout)
	defer cancel()

	if task.Config["db_name"] != "" {
		sink.SetPhase("backup")
		if err := e.migrationBackup(ctx, sink, source, task.Config); err != nil {
			return err
		}
	}

	sink.SetPhase("prepare-target")
	if err := e.ensureDocker(ctx, sink, target); err != nil {
		return err
	}

	newPort, err := FreePort(e.store, target.ID, e.cfg.PlacementPortMin, e.cfg.PlacementPortMax)
	if err != nil {
		return err
	}

	sink.SetPhase("deploy-target")
	workerCfg := cloneConfig(task.Config)
	workerCfg["name"] = placement.Name
	workerCfg["port"] = fmt.Sprint(newPort)
	if err := e.installService(ctx, sink, target, types.ServiceOdooWorker, workerCfg); err != nil {
		return err
	}

	sink.SetPhase("verify-target")
	odoo := &installer.OdooInstaller{}
	targetClient, err := e.dial(ctx, target)
	if err != nil {
		return err
	}
	defer targetClient.Close()
	if err := odoo.VerifyWorker(ctx, targetClient, placement.Name, newPort); err != nil {
		sink.Line("target copy failed verification, source worker left running")
		return types.WrapFault(types.ErrKindVerifyFailed, err,
			"migrated worker %s failed verification on host %d", placement.Name, target.ID)
	}

	// Cutover: from here on the placement record points at the target.
	sink.SetPhase("cutover")
	oldPort := placement.Port
	placement.HostID = target.ID
	placement.Port = newPort
	placement.Status = types.PlacementRunning
	placement.HealthFails = 0
	if err := e.store.UpdatePlacement(placement); err != nil {
		return err
	}
	e.notifyServices()

	sink.SetPhase("stop-source")
	sourceClient, err := e.dial(ctx, source)
	if err != nil {
		sink.Line(fmt.Sprintf("cannot reach source host to stop old worker: %v", err))
		return nil
	}
	defer sourceClient.Close()
	if err := odoo.RemoveWorker(ctx, sourceClient, placement.Name); err != nil {
		// The record already moved; a stale container is an operator
		// cleanup, not a failed migration.
		sink.Line(fmt.Sprintf("old worker on host %d port %d not removed: %v", source.ID, oldPort, err))
	} else {
		sink.Line(fmt.Sprintf("old worker removed from host %d", source.ID))
	}
	return nil
}

// migrationPreflight rejects targets that are not in shape to take a
// worker before anything is touched.
func (e *Engine) migrationPreflight(target *types.Host) error {
	if target.Status != types.HostStatusActive {
		return types.NewFault(types.ErrKindVerifyFailed,
			"target host %d is %s, not active", target.ID, target.Status)
	}
	if !target.HasRole(types.ServiceOdooWorker) {
		return types.NewFault(types.ErrKindVerifyFailed,
			"target host %d has no worker role", target.ID)
	}
	if target.HealthScore < e.cfg.Engine.MinTargetScore {
		return types.NewFault(types.ErrKindVerifyFailed,
			"target host %d health score %d is below the required %d",
			target.ID, target.HealthScore, e.cfg.Engine.MinTargetScore)
	}
	return nil
}

// migrationBackup dumps the worker's database from the source host
// before anything moves.
func (e *Engine) migrationBackup(ctx context.Context, sink *progressSink, source *types.Host, cfg map[string]string) error {
	client, err := e.dial(ctx, source)
	if err != nil {
		return err
	}
	defer client.Close()

	path := fmt.Sprintf("/opt/flotilla/backups/pre-migration-%s-%s.sql.gz",
		cfg["db_name"], time.Now().UTC().Format("20060102-150405"))
	cmd := fmt.Sprintf("mkdir -p /opt/flotilla/backups && %s | gzip > %s",
		dumpCommand(cfg["db_name"], cfg), remote.Quote(path))
	res, err := client.Execute(ctx, cmd, e.cfg.SSH.InstallTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindCommandFailed,
			"pre-migration backup failed: %s", firstStderrLine(res.Stderr))
	}
	sink.Line("pre-migration backup written to " + path)
	return nil
}

// ensureDocker installs docker on the target when it is not already
// active.
func (e *Engine) ensureDocker(ctx context.Context, sink *progressSink, target *types.Host) error {
	if target.HasService(types.ServiceDocker) {
		return nil
	}
	if !target.HasRole(types.ServiceDocker) {
		return types.NewFault(types.ErrKindDependencyMissing,
			"target host %d cannot run docker", target.ID)
	}
	sink.Line("docker missing on target, installing")
	return e.installService(ctx, sink, target, types.ServiceDocker, nil)
}

// migrateServices moves the listed services from the source host to the
// target. Each service is backed up on the source, deployed on the
// target, restored, and verified before the source copy is stopped, so
// a failure partway through leaves the source copy running.
func (e *Engine) migrateServices(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	source, err := e.inv.Get(task.SourceHostID)
	if err != nil {
		return err
	}
	target, err := e.inv.Get(task.TargetHostID)
	if err != nil {
		return err
	}
	if source.ID == target.ID {
		return types.NewFault(types.ErrKindConfigInvalid,
			"source and target are both host %d", source.ID)
	}

	sink.SetPhase("preflight")
	if target.Status != types.HostStatusActive {
		return types.NewFault(types.ErrKindVerifyFailed,
			"target host %d is %s, not active", target.ID, target.Status)
	}
	if target.HealthScore < e.cfg.Engine.MinTargetScore {
		return types.NewFault(types.ErrKindVerifyFailed,
			"target host %d health score %d is below the required %d",
			target.ID, target.HealthScore, e.cfg.Engine.MinTargetScore)
	}
	for _, kind := range task.Services {
		if !source.HasService(kind) {
			return types.NewFault(types.ErrKindConfigInvalid,
				"source host %d is not running %s", source.ID, kind)
		}
		if !target.HasRole(kind) {
			return types.NewFault(types.ErrKindVerifyFailed,
				"target host %d has no %s role", target.ID, kind)
		}
	}

	unlock := e.hostLocks.lockPair(source.ID, target.ID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Engine.MigrationTimeout)
	defer cancel()

	for i, kind := range task.Services {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Line(fmt.Sprintf("migrating service %d/%d: %s", i+1, len(task.Services), kind))
		if err := e.migrateService(ctx, sink, source, target, kind, task.Config); err != nil {
			return fmt.Errorf("migration stopped at %s, source copy left running: %w", kind, err)
		}
	}
	e.notifyServices()
	return nil
}

func (e *Engine) migrateService(ctx context.Context, sink *progressSink, source, target *types.Host, kind types.ServiceKind, cfg map[string]string) error {
	var dump []byte
	if kind == types.ServicePostgres {
		sink.SetPhase("backup")
		var err error
		dump, err = e.exportPostgres(ctx, sink, source)
		if err != nil {
			return err
		}
	} else {
		sink.Line(fmt.Sprintf("%s carries no transferable data, skipping backup", kind))
	}

	sink.SetPhase("deploy-target")
	if err := e.installService(ctx, sink, target, kind, cfg); err != nil {
		return err
	}

	targetClient, err := e.dial(ctx, target)
	if err != nil {
		return err
	}
	defer targetClient.Close()

	if dump != nil {
		sink.SetPhase("restore")
		if err := e.restorePostgres(ctx, sink, targetClient, dump); err != nil {
			return err
		}
	}

	sink.SetPhase("verify-target")
	inst, err := e.registry.Get(kind)
	if err != nil {
		return err
	}
	if err := inst.Verify(ctx, targetClient); err != nil {
		return types.WrapFault(types.ErrKindVerifyFailed, err,
			"%s failed verification on host %d after migration", kind, target.ID)
	}

	// Only now is the source copy touched.
	sink.SetPhase("stop-source")
	sourceClient, err := e.dial(ctx, source)
	if err != nil {
		return err
	}
	defer sourceClient.Close()
	if err := inst.Remove(ctx, sourceClient); err != nil {
		return types.WrapFault(types.ErrKindCommandFailed, err,
			"cannot stop %s on source host %d", kind, source.ID)
	}
	if err := e.inv.RemoveService(source.ID, kind); err != nil {
		return err
	}
	sink.Line(fmt.Sprintf("%s moved from host %d to host %d", kind, source.ID, target.ID))
	return nil
}

// exportPostgres dumps every database on the source and brings the
// compressed dump back over the SSH channel.
func (e *Engine) exportPostgres(ctx context.Context, sink *progressSink, source *types.Host) ([]byte, error) {
	client, err := e.dial(ctx, source)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	path := fmt.Sprintf("/opt/flotilla/backups/pre-migration-all-%s.sql.gz",
		time.Now().UTC().Format("20060102-150405"))
	cmd := fmt.Sprintf("mkdir -p /opt/flotilla/backups && sudo -u postgres pg_dumpall | gzip > %s",
		remote.Quote(path))
	res, err := client.Execute(ctx, cmd, e.cfg.SSH.InstallTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, types.NewFault(types.ErrKindCommandFailed,
			"pg_dumpall failed: %s", firstStderrLine(res.Stderr))
	}
	sink.Line("source databases dumped to " + path)

	res, err = client.Execute(ctx, "base64 -w0 "+remote.Quote(path), e.cfg.SSH.InstallTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, types.NewFault(types.ErrKindCommandFailed,
			"cannot read dump %s: %s", path, firstStderrLine(res.Stderr))
	}
	dump, err := base64.StdEncoding.DecodeString(strings.TrimSpace(res.Stdout))
	if err != nil {
		return nil, types.WrapFault(types.ErrKindCommandFailed, err, "dump transfer from %s corrupted", path)
	}
	sink.Line(fmt.Sprintf("dump transferred (%d bytes compressed)", len(dump)))
	return dump, nil
}

// restorePostgres ships the dump to the target and replays it.
func (e *Engine) restorePostgres(ctx context.Context, sink *progressSink, client *remote.Client, dump []byte) error {
	path := fmt.Sprintf("/opt/flotilla/backups/restore-%s.sql.gz",
		time.Now().UTC().Format("20060102-150405"))
	res, err := client.Execute(ctx, "mkdir -p /opt/flotilla/backups", 30*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindCommandFailed,
			"cannot create backup directory: %s", firstStderrLine(res.Stderr))
	}
	if err := client.Upload(ctx, path, dump, "0600"); err != nil {
		return err
	}

	cmd := fmt.Sprintf("gunzip -c %s | sudo -u postgres psql -d postgres", remote.Quote(path))
	res, err = client.Execute(ctx, cmd, e.cfg.SSH.InstallTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindCommandFailed,
			"restore failed: %s", firstStderrLine(res.Stderr))
	}
	sink.Line("databases restored on target")
	return nil
}

func cloneConfig(cfg map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
