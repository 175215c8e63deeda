package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/pkg/installer"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// preflightTimeout bounds the dependency TCP checks before an app
// worker install mutates anything.
const preflightTimeout = 5 * time.Second

// fullSetupOrder installs foundations before the services that depend
// on them.
var fullSetupOrder = []types.ServiceKind{
	types.ServiceDocker,
	types.ServicePostgres,
	types.ServiceRedis,
	types.ServiceNginx,
}

func (e *Engine) handleInstall(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	host, err := e.inv.Get(task.TargetHostID)
	if err != nil {
		return err
	}
	unlock := e.hostLocks.lock(host.ID)
	defer unlock()

	if err := e.installService(ctx, sink, host, task.Service, task.Config); err != nil {
		return err
	}
	e.notifyServices()
	return nil
}

// installService runs one service install end to end on an already
// locked host: detect, preflight, plan, apply, verify, record.
func (e *Engine) installService(ctx context.Context, sink *progressSink, host *types.Host, kind types.ServiceKind, cfg map[string]string) error {
	inst, err := e.registry.Get(kind)
	if err != nil {
		return err
	}
	if host.Facts == nil {
		return types.NewFault(types.ErrKindConfigInvalid,
			"host %d has no probed facts, probe it before installing", host.ID)
	}
	if err := inst.Applicable(host.Facts); err != nil {
		return err
	}

	sink.SetPhase("connect")
	client, err := e.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	sink.SetPhase("detect")
	det, err := inst.Detect(ctx, client)
	if err != nil {
		return err
	}
	switch det.State {
	case installer.DetectIncompatible:
		return types.NewFault(types.ErrKindConfigInvalid,
			"%s version %s on host %d is incompatible", kind, det.Version, host.ID)
	case installer.DetectPresentActive:
		// Nothing to do; make sure the record agrees with reality.
		sink.Line(fmt.Sprintf("%s already active (version %s), skipping install", kind, det.Version))
		if err := e.inv.AddService(host.ID, kind); err != nil {
			return err
		}
		return nil
	}

	if odoo, ok := inst.(*installer.OdooInstaller); ok {
		sink.SetPhase("preflight")
		if err := odoo.Preflight(cfg, preflightTimeout); err != nil {
			return err
		}
	}

	sink.SetPhase("plan")
	steps, err := inst.Plan(installer.InstallRequest{Host: host, Config: cfg})
	if err != nil {
		return err
	}

	sink.SetPhase("apply")
	runner := &installer.Runner{Client: client, Log: sink.Line, Progress: sink.SetPercent}
	if err := runner.Run(ctx, steps); err != nil {
		return err
	}

	sink.SetPhase("verify")
	if err := inst.Verify(ctx, client); err != nil {
		return types.WrapFault(types.ErrKindVerifyFailed, err, "%s failed verification on host %d", kind, host.ID)
	}

	return e.inv.AddService(host.ID, kind)
}

// handleFullSetup installs every foundation service the host's roles
// call for, in dependency order. The first failure stops the sequence;
// services already verified stay recorded.
func (e *Engine) handleFullSetup(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	host, err := e.inv.Get(task.TargetHostID)
	if err != nil {
		return err
	}
	unlock := e.hostLocks.lock(host.ID)
	defer unlock()

	var planned []types.ServiceKind
	for _, kind := range fullSetupOrder {
		if host.HasRole(kind) {
			planned = append(planned, kind)
		}
	}
	if len(planned) == 0 {
		return types.NewFault(types.ErrKindConfigInvalid, "host %d has no foundation roles", host.ID)
	}

	for i, kind := range planned {
		if err := ctx.Err(); err != nil {
			return err
		}
		sink.Line(fmt.Sprintf("full setup %d/%d: %s", i+1, len(planned), kind))
		if err := e.installService(ctx, sink, host, kind, task.Config); err != nil {
			return fmt.Errorf("full setup stopped at %s: %w", kind, err)
		}
	}
	e.notifyServices()
	return nil
}

// handleBackup dumps a PostgreSQL database on the target host into a
// timestamped compressed file.
func (e *Engine) handleBackup(ctx context.Context, task *types.DeploymentTask, sink *progressSink) error {
	dbName := task.Config["db_name"]
	if dbName == "" {
		return types.NewFault(types.ErrKindConfigInvalid, "backup needs db_name")
	}

	host, err := e.inv.Get(task.TargetHostID)
	if err != nil {
		return err
	}
	unlock := e.hostLocks.lock(host.ID)
	defer unlock()

	sink.SetPhase("connect")
	client, err := e.dial(ctx, host)
	if err != nil {
		return err
	}
	defer client.Close()

	path := fmt.Sprintf("/opt/flotilla/backups/%s-%s.sql.gz",
		dbName, time.Now().UTC().Format("20060102-150405"))

	sink.SetPhase("dump")
	cmd := fmt.Sprintf("mkdir -p /opt/flotilla/backups && %s | gzip > %s",
		dumpCommand(dbName, task.Config), remote.Quote(path))
	res, err := client.Execute(ctx, cmd, e.cfg.SSH.InstallTimeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindCommandFailed, "pg_dump failed: %s", firstStderrLine(res.Stderr))
	}

	sink.SetPhase("verify")
	res, err = client.Execute(ctx, "test -s "+remote.Quote(path), 30*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "backup file %s is missing or empty", path)
	}

	sink.Line("backup written to " + path)
	return nil
}

// dumpCommand builds the pg_dump invocation. Remote databases get host,
// port, and credentials from the task config; a local database is
// dumped as the postgres superuser.
func dumpCommand(dbName string, cfg map[string]string) string {
	if cfg["db_host"] != "" {
		cmd := fmt.Sprintf("pg_dump -h %s -p %s -U %s %s",
			remote.Quote(cfg["db_host"]),
			remote.Quote(orDefault(cfg["db_port"], "5432")),
			remote.Quote(orDefault(cfg["db_user"], "postgres")),
			remote.Quote(dbName))
		if cfg["db_password"] != "" {
			cmd = "PGPASSWORD=" + remote.Quote(cfg["db_password"]) + " " + cmd
		}
		return cmd
	}
	return "sudo -u postgres pg_dump " + remote.Quote(dbName)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func firstStderrLine(stderr string) string {
	for i := 0; i < len(stderr); i++ {
		if stderr[i] == '\n' {
			return stderr[:i]
		}
	}
	return stderr
}
