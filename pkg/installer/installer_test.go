package installer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/pkg/types"
)

func metalFacts() *types.HostFacts {
	return &types.HostFacts{
		CPUCores:    4,
		MemoryGB:    8,
		DiskGB:      100,
		OSFamily:    "ubuntu",
		OSVersion:   "22.04",
		Environment: types.EnvMetal,
	}
}

func TestRegistryCoversAllServiceKinds(t *testing.T) {
	r := NewRegistry()
	for _, kind := range []types.ServiceKind{
		types.ServiceDocker,
		types.ServiceNginx,
		types.ServicePostgres,
		types.ServiceRedis,
		types.ServiceOdooWorker,
	} {
		inst, err := r.Get(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, inst.Kind())
	}

	_, err := r.Get("mysql")
	require.Error(t, err)
	assert.Equal(t, types.ErrKindNotFound, types.KindOf(err))
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		env      types.Environment
		expected Strategy
	}{
		{env: types.EnvMetal, expected: StrategyStandard},
		{env: types.EnvContainerSocket, expected: StrategyHostSocket},
		{env: types.EnvContainerNested, expected: StrategyNested},
		{env: types.EnvUnknown, expected: StrategyStandard},
	}
	for _, tt := range tests {
		t.Run(string(tt.env), func(t *testing.T) {
			assert.Equal(t, tt.expected, SelectStrategy(tt.env))
		})
	}
}

func TestDockerPlanNestedStrategy(t *testing.T) {
	facts := metalFacts()
	facts.Environment = types.EnvContainerNested

	inst := &DockerInstaller{}
	steps, err := inst.Plan(InstallRequest{Host: &types.Host{Facts: facts}})
	require.NoError(t, err)

	names := stepNames(steps)
	assert.Contains(t, names, "write-daemon-config")
	assert.Contains(t, names, "start-daemon")
	assert.NotContains(t, names, "enable-service")

	// The daemon config must use the container-safe storage driver and
	// disable network plumbing.
	for _, s := range steps {
		if s.Upload != nil {
			assert.Contains(t, string(s.Upload.Content), `"storage-driver": "vfs"`)
			assert.Contains(t, string(s.Upload.Content), `"iptables": false`)
		}
	}
}

func TestDockerPlanHostSocketInstallsCLIOnly(t *testing.T) {
	facts := metalFacts()
	facts.Environment = types.EnvContainerSocket

	steps, err := (&DockerInstaller{}).Plan(InstallRequest{Host: &types.Host{Facts: facts}})
	require.NoError(t, err)

	names := stepNames(steps)
	assert.Contains(t, names, "check-socket")
	assert.NotContains(t, names, "start-daemon")
	assert.NotContains(t, names, "enable-service")
}

func TestDockerPlanStandardEnablesService(t *testing.T) {
	steps, err := (&DockerInstaller{}).Plan(InstallRequest{Host: &types.Host{Facts: metalFacts()}})
	require.NoError(t, err)
	assert.Contains(t, stepNames(steps), "enable-service")
}

func TestApplicableRejectsUnknownOS(t *testing.T) {
	facts := metalFacts()
	facts.OSFamily = "plan9"
	assert.Error(t, (&DockerInstaller{}).Applicable(facts))
}

func TestApplicableRejectsLowMemory(t *testing.T) {
	facts := metalFacts()
	facts.MemoryGB = 0.25
	assert.Error(t, (&DockerInstaller{}).Applicable(facts))

	// Unknown memory (parse failure) is not a blocker.
	facts.MemoryGB = 0
	assert.NoError(t, (&DockerInstaller{}).Applicable(facts))
}

func TestInstallCmdPerPackageManager(t *testing.T) {
	tests := []struct {
		family   string
		contains string
	}{
		{family: "ubuntu", contains: "apt-get install -y"},
		{family: "debian", contains: "DEBIAN_FRONTEND=noninteractive"},
		{family: "centos", contains: "yum install -y"},
		{family: "alpine", contains: "apk add --no-cache"},
	}
	for _, tt := range tests {
		t.Run(tt.family, func(t *testing.T) {
			facts := metalFacts()
			facts.OSFamily = tt.family
			cmd, err := installCmd(facts, "nginx")
			require.NoError(t, err)
			assert.Contains(t, cmd, tt.contains)
			assert.Contains(t, cmd, "nginx")
		})
	}
}

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		banner   string
		expected string
	}{
		{banner: "Docker version 24.0.7, build afdd53b", expected: "24.0.7"},
		{banner: "nginx version: nginx/1.24.0 (Ubuntu)", expected: "1.24.0"},
		{banner: "psql (PostgreSQL) 14.11 (Ubuntu 14.11-0ubuntu0.22.04.1)", expected: "14.11"},
		{banner: "Redis server v=7.0.15 sha=00000000:0", expected: "7.0.15"},
		{banner: "no version here", expected: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, extractVersion(tt.banner), tt.banner)
	}
}

func TestVersionCompatible(t *testing.T) {
	assert.True(t, versionCompatible("24.0.7", "20.10"))
	assert.False(t, versionCompatible("19.3.0", "20.10"))
	assert.True(t, versionCompatible("20.10", "20.10"))
	// Unparseable banners never block an install.
	assert.True(t, versionCompatible("", "20.10"))
	assert.True(t, versionCompatible("weird", "20.10"))
}

func TestOdooPlanRequiresCompleteConfig(t *testing.T) {
	inst := &OdooInstaller{}

	_, err := inst.Plan(InstallRequest{
		Host:   &types.Host{Facts: metalFacts()},
		Config: map[string]string{"name": "w-01", "port": "8069"},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindDependencyMissing, types.KindOf(err))
}

func TestOdooPlanRendersConfig(t *testing.T) {
	inst := &OdooInstaller{}
	steps, err := inst.Plan(InstallRequest{
		Host: &types.Host{Facts: metalFacts()},
		Config: map[string]string{
			"name": "w-01", "port": "8069",
			"db_host": "10.0.0.5", "db_port": "5432",
			"db_user": "odoo", "db_password": "s3cret",
			"cache_host": "10.0.0.6", "cache_port": "6379",
		},
	})
	require.NoError(t, err)

	var conf string
	for _, s := range steps {
		if s.Upload != nil {
			conf = string(s.Upload.Content)
		}
	}
	require.NotEmpty(t, conf)
	assert.Contains(t, conf, "db_host = 10.0.0.5")
	assert.Contains(t, conf, "db_password = s3cret")
	assert.Contains(t, conf, "session_redis_host = 10.0.0.6")

	// The run step publishes the chosen port.
	found := false
	for _, s := range steps {
		if s.Name == "start-worker" {
			assert.Contains(t, s.Command, "8069:8069")
			found = true
		}
	}
	assert.True(t, found)
}

func TestOdooContainerNameQuoted(t *testing.T) {
	inst := &OdooInstaller{}
	steps, err := inst.Plan(InstallRequest{
		Host: &types.Host{Facts: metalFacts()},
		Config: map[string]string{
			"name": "w'; rm -rf / #", "port": "8069",
			"db_host": "10.0.0.5", "db_port": "5432",
			"db_user": "odoo", "db_password": "x",
			"cache_host": "10.0.0.6", "cache_port": "6379",
		},
	})
	require.NoError(t, err)
	for _, s := range steps {
		if s.Name == "start-worker" {
			// The injection attempt must stay inside a quoted argument.
			assert.NotContains(t, s.Command, "#'; rm")
			assert.Contains(t, s.Command, `'\''`)
		}
	}
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
