package installer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHarmless(t *testing.T) {
	tests := []struct {
		name     string
		stderr   string
		harmless bool
	}{
		{
			name:     "empty output",
			stderr:   "",
			harmless: true,
		},
		{
			name:     "whitespace only",
			stderr:   "  \n\t\n",
			harmless: true,
		},
		{
			name:     "debconf delaying configuration",
			stderr:   "debconf: delaying package configuration, since apt-utils is not installed",
			harmless: true,
		},
		{
			name:     "debconf frontend fallback",
			stderr:   "debconf: unable to initialize frontend: Dialog\ndebconf: falling back to frontend: Readline",
			harmless: true,
		},
		{
			name:     "systemd absent in container",
			stderr:   "System has not been booted with systemd as init system (PID 1). Can't operate.",
			harmless: true,
		},
		{
			name:     "dbus unreachable in container",
			stderr:   "Failed to connect to bus: No such file or directory",
			harmless: true,
		},
		{
			name:     "already exists",
			stderr:   `mkdir: cannot create directory '/opt/flotilla': File already exists`,
			harmless: true,
		},
		{
			name:     "apt stable CLI warning",
			stderr:   "WARNING: apt does not have a stable CLI interface. Use with caution in scripts.",
			harmless: true,
		},
		{
			name:     "symlink creation notice",
			stderr:   "Created symlink /etc/systemd/system/multi-user.target.wants/nginx.service -> /lib/systemd/system/nginx.service.",
			harmless: true,
		},
		{
			name:     "genuine failure",
			stderr:   "E: Unable to locate package doesnotexist",
			harmless: false,
		},
		{
			name:     "mixed harmless and genuine",
			stderr:   "debconf: delaying package configuration\nE: dpkg was interrupted",
			harmless: false,
		},
		{
			name:     "permission denied",
			stderr:   "bash: /etc/docker/daemon.json: Permission denied",
			harmless: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.harmless, Harmless(tt.stderr))
		})
	}
}
