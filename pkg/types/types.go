package types

import (
	"time"
)

// ServiceKind identifies a category of software the control plane can
// install and manage on a host.
type ServiceKind string

const (
	ServiceDocker     ServiceKind = "docker"
	ServiceNginx      ServiceKind = "nginx"
	ServicePostgres   ServiceKind = "postgresql"
	ServiceRedis      ServiceKind = "redis"
	ServiceOdooWorker ServiceKind = "odoo-worker"
)

// AuthKind discriminates how the control plane authenticates to a host.
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthPrivateKey AuthKind = "private-key"
)

// HostStatus represents the lifecycle state of a managed host.
type HostStatus string

const (
	HostStatusPending        HostStatus = "pending"
	HostStatusActive         HostStatus = "active"
	HostStatusMaintenance    HostStatus = "maintenance"
	HostStatusFailed         HostStatus = "failed"
	HostStatusDecommissioned HostStatus = "decommissioned"
)

// Environment classifies what kind of machine a host actually is. It is
// set by the probe and drives installer strategy selection.
type Environment string

const (
	// EnvMetal is a bare-metal machine or a full VM.
	EnvMetal Environment = "metal-or-vm"
	// EnvContainerSocket is a container with the host's container-engine
	// socket mounted through.
	EnvContainerSocket Environment = "container-host-with-socket"
	// EnvContainerNested is a container without an engine socket; an
	// engine has to run nested inside it.
	EnvContainerNested Environment = "container-nested"
	// EnvUnknown means the probe could not classify the host.
	EnvUnknown Environment = "unknown"
)

// HostFacts holds system facts collected by the probe. Facts that fail to
// parse stay at their zero value.
type HostFacts struct {
	CPUCores    int         `json:"cpu_cores"`
	MemoryGB    float64     `json:"memory_gb"`
	DiskGB      float64     `json:"disk_gb"`
	OSFamily    string      `json:"os_family"`
	OSVersion   string      `json:"os_version"`
	Kernel      string      `json:"kernel"`
	HasSudo     bool        `json:"has_sudo"`
	Environment Environment `json:"environment"`
	CollectedAt time.Time   `json:"collected_at"`
}

// Host is a managed remote machine under the control plane's authority.
type Host struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	SSHPort int    `json:"ssh_port"`
	SSHUser string `json:"ssh_user"`

	AuthKind          AuthKind `json:"auth_kind"`
	EncryptedPassword []byte   `json:"encrypted_password,omitempty"`
	PrivateKeyPath    string   `json:"private_key_path,omitempty"`

	// Roles the host is eligible to run; CurrentServices must stay a
	// subset of Roles.
	Roles           []ServiceKind `json:"roles"`
	CurrentServices []ServiceKind `json:"current_services"`

	Facts *HostFacts `json:"facts,omitempty"`

	HealthScore   int        `json:"health_score"`
	ProbeFailures int        `json:"probe_failures"`
	LastProbeAt   time.Time  `json:"last_probe_at"`
	Status        HostStatus `json:"status"`

	// Version is an optimistic concurrency counter bumped on every write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRole reports whether the host is eligible to run the given service.
func (h *Host) HasRole(kind ServiceKind) bool {
	for _, r := range h.Roles {
		if r == kind {
			return true
		}
	}
	return false
}

// HasService reports whether the service is currently installed and
// considered running on the host.
func (h *Host) HasService(kind ServiceKind) bool {
	for _, s := range h.CurrentServices {
		if s == kind {
			return true
		}
	}
	return false
}

// TaskKind identifies a deployment workflow.
type TaskKind string

const (
	TaskInstall     TaskKind = "install"
	TaskMigrate     TaskKind = "migrate"
	TaskBackup      TaskKind = "backup"
	TaskNetworkScan TaskKind = "network-scan"
	TaskFullSetup   TaskKind = "full-setup"
)

// TaskStatus represents the lifecycle state of a deployment task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is one of the immutable end states.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// DeploymentTask is a durable record of one long-running workflow.
type DeploymentTask struct {
	ID           int64       `json:"id"`
	Kind         TaskKind    `json:"kind"`
	Service      ServiceKind `json:"service,omitempty"`
	SourceHostID int64       `json:"source_host_id,omitempty"`
	TargetHostID int64       `json:"target_host_id,omitempty"`

	// Services lists the service kinds a migrate task moves when it
	// operates on whole services rather than a single placement.
	Services []ServiceKind `json:"services,omitempty"`

	// Config is the user-supplied configuration blob for the handler.
	Config map[string]string `json:"config,omitempty"`

	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	CurrentPhase string     `json:"current_phase"`
	Log          string     `json:"log"`
	Error        string     `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// PlacementStatus represents the lifecycle state of a worker placement.
type PlacementStatus string

const (
	PlacementStarting PlacementStatus = "starting"
	PlacementRunning  PlacementStatus = "running"
	PlacementDraining PlacementStatus = "draining"
	PlacementStopped  PlacementStatus = "stopped"
	PlacementFailed   PlacementStatus = "failed"
)

// ServicePlacement is one application worker instance placed on a host.
type ServicePlacement struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	HostID int64  `json:"host_id"`
	Port   int    `json:"port"`

	Capacity       int `json:"capacity"`
	CurrentTenants int `json:"current_tenants"`

	Status      PlacementStatus `json:"status"`
	HealthFails int             `json:"health_fails"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Active reports whether the placement should receive traffic or keep its
// port reserved.
func (p *ServicePlacement) Active() bool {
	return p.Status != PlacementStopped
}

// VerificationStatus represents whether a domain mapping has been
// verified end to end.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

// DomainMapping maps a custom external domain to an internal target.
type DomainMapping struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain"`
	// Target is a subdomain or placement name the domain routes to.
	Target string `json:"target"`

	TLSEnabled bool   `json:"tls_enabled"`
	CertPath   string `json:"cert_path,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`

	Verification   VerificationStatus `json:"verification"`
	LastVerifiedAt time.Time          `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is a raised condition. At most one alert per (kind, host,
// placement, service) tuple may be active at a time.
type Alert struct {
	ID        int64       `json:"id"`
	Kind      string      `json:"kind"`
	Severity  Severity    `json:"severity"`
	HostID    int64       `json:"host_id,omitempty"`
	Placement string      `json:"placement,omitempty"`
	Service   ServiceKind `json:"service,omitempty"`

	Metric    string  `json:"metric,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`

	Status          AlertStatus `json:"status"`
	FirstOccurrence time.Time   `json:"first_occurrence"`
	LastOccurrence  time.Time   `json:"last_occurrence"`

	AutoResolve    bool      `json:"auto_resolve"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`

	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
}

// SameTuple reports whether the alert shares the deduplication tuple.
func (a *Alert) SameTuple(kind string, hostID int64, placement string, service ServiceKind) bool {
	return a.Kind == kind && a.HostID == hostID && a.Placement == placement && a.Service == service
}

// AuditEntry is one append-only record of an operator action.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	SourceAddr string    `json:"source_addr,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MetricSample is one point of host telemetry collected by the monitor.
type MetricSample struct {
	HostID      int64     `json:"host_id"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
	LoadAvg1    float64   `json:"load_avg_1"`
	CollectedAt time.Time `json:"collected_at"`
}

// CredentialBundle is one username/secret pair tried during network
// discovery.
type CredentialBundle struct {
	User           string `json:"user"`
	Password       string `json:"password,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}
