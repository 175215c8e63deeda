package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

// minPostgresVersion is the oldest release Odoo's ORM supports.
const minPostgresVersion = "12.0"

// PostgresInstaller installs the relational database.
type PostgresInstaller struct{}

func (i *PostgresInstaller) Kind() types.ServiceKind { return types.ServicePostgres }

func (i *PostgresInstaller) Applicable(facts *types.HostFacts) error {
	return requireFacts(facts, 1)
}

func (i *PostgresInstaller) Detect(ctx context.Context, client *remote.Client) (Detection, error) {
	res, err := client.Execute(ctx, "psql --version", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if res.ExitCode != 0 {
		return Detection{State: DetectAbsent}, nil
	}

	version := extractVersion(res.Stdout)
	if !versionCompatible(version, minPostgresVersion) {
		return Detection{State: DetectIncompatible, Version: version}, nil
	}

	active, err := client.Execute(ctx, "pg_isready -q || systemctl is-active --quiet postgresql", time.Minute)
	if err != nil {
		return Detection{}, err
	}
	if active.ExitCode == 0 {
		return Detection{State: DetectPresentActive, Version: version}, nil
	}
	return Detection{State: DetectPresentInactive, Version: version}, nil
}

func (i *PostgresInstaller) Plan(req InstallRequest) ([]Step, error) {
	install, err := installCmd(req.Host.Facts, "postgresql", "postgresql-client")
	if err != nil {
		return nil, err
	}

	steps := []Step{
		{Name: "install-postgres", Command: install, Retryable: true, Idempotent: true, Timeout: 10 * time.Minute, Weight: 6},
	}
	if req.Host.Facts.Environment == types.EnvMetal {
		steps = append(steps, Step{
			Name: "enable-service", Command: "systemctl enable --now postgresql", Idempotent: true, Weight: 1,
		})
	} else {
		steps = append(steps, Step{
			Name:       "start-cluster",
			Command:    "pg_isready -q || (su postgres -c 'pg_ctlcluster $(ls /var/lib/postgresql | head -1) main start' || service postgresql start)",
			Idempotent: true,
			Weight:     1,
		})
	}

	// Create the application role when the task supplies credentials.
	if user := req.Config["db_user"]; user != "" {
		pass := req.Config["db_password"]
		create := fmt.Sprintf(
			`su postgres -c "psql -tc \"SELECT 1 FROM pg_roles WHERE rolname=%s\" | grep -q 1 || psql -c \"CREATE ROLE %s LOGIN CREATEDB PASSWORD %s\""`,
			pgLiteral(user), pgIdent(user), pgLiteral(pass))
		steps = append(steps, Step{Name: "create-role", Command: create, Idempotent: true, Weight: 2})
	}

	// Accept connections from the worker network.
	steps = append(steps, Step{
		Name: "listen-all",
		Command: `f=$(su postgres -c "psql -tAc 'show config_file'") && ` +
			`grep -q "^listen_addresses" "$f" || echo "listen_addresses = '*'" >> "$f"`,
		IgnoreErrors: true,
		Idempotent:   true,
		Weight:       1,
	})
	return steps, nil
}

func (i *PostgresInstaller) Verify(ctx context.Context, client *remote.Client) error {
	res, err := client.Execute(ctx, "pg_isready -q", time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return types.NewFault(types.ErrKindVerifyFailed, "postgres socket not accepting connections (exit %d)", res.ExitCode)
	}
	return nil
}

func (i *PostgresInstaller) Remove(ctx context.Context, client *remote.Client) error {
	_, err := client.Execute(ctx,
		"systemctl disable --now postgresql 2>/dev/null; "+
			"apt-get remove -y -qq postgresql 2>/dev/null || yum remove -y -q postgresql-server 2>/dev/null || apk del postgresql 2>/dev/null || true",
		5*time.Minute)
	return err
}

// pgIdent quotes a SQL identifier.
func pgIdent(s string) string {
	return `\"` + s + `\"`
}

// pgLiteral quotes a SQL string literal for embedding in the shell-level
// psql command.
func pgLiteral(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += "''"
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}
