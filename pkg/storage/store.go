package storage

import (
	"github.com/flotillahq/flotilla/pkg/types"
)

// Store defines the interface for control-plane state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id int64) (*types.Host, error)
	GetHostByName(name string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	// UpdateHost fails with a Conflict fault when host.Version does not
	// match the stored version.
	UpdateHost(host *types.Host) error
	DeleteHost(id int64) error

	// Deployment tasks
	CreateTask(task *types.DeploymentTask) error
	GetTask(id int64) (*types.DeploymentTask, error)
	ListTasks() ([]*types.DeploymentTask, error)
	ListTasksByStatus(status types.TaskStatus) ([]*types.DeploymentTask, error)
	UpdateTask(task *types.DeploymentTask) error

	// Placements
	CreatePlacement(p *types.ServicePlacement) error
	GetPlacement(id int64) (*types.ServicePlacement, error)
	GetPlacementByName(name string) (*types.ServicePlacement, error)
	ListPlacements() ([]*types.ServicePlacement, error)
	ListPlacementsByHost(hostID int64) ([]*types.ServicePlacement, error)
	UpdatePlacement(p *types.ServicePlacement) error
	DeletePlacement(id int64) error

	// Domain mappings
	CreateDomain(d *types.DomainMapping) error
	GetDomain(id int64) (*types.DomainMapping, error)
	ListDomains() ([]*types.DomainMapping, error)
	UpdateDomain(d *types.DomainMapping) error
	DeleteDomain(id int64) error

	// Alerts
	CreateAlert(a *types.Alert) error
	GetAlert(id int64) (*types.Alert, error)
	ListAlerts() ([]*types.Alert, error)
	// FindActiveAlert returns the single active alert for the dedup
	// tuple, or nil when none exists.
	FindActiveAlert(kind string, hostID int64, placement string, service types.ServiceKind) (*types.Alert, error)
	UpdateAlert(a *types.Alert) error

	// Audit log: append and read only, never update or delete.
	AppendAudit(e *types.AuditEntry) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	// Host key pinning for the SSH layer.
	GetHostKey(addr string) ([]byte, error)
	PutHostKey(addr string, key []byte) error

	// Utility
	Close() error
}
