package storage

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/flotillahq/flotilla/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketHosts      = []byte("hosts")
	bucketTasks      = []byte("tasks")
	bucketPlacements = []byte("placements")
	bucketDomains    = []byte("domains")
	bucketAlerts     = []byte("alerts")
	bucketAudit      = []byte("audit")
	bucketHostKeys   = []byte("hostkeys")
)

// BoltStore implements Store using BoltDB. Rows are JSON blobs keyed by
// the big-endian encoding of a bucket-sequence id, so iteration order is
// creation order and ids are monotonic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flotilla.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, types.WrapFault(types.ErrKindInternal, err, "failed to open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketHosts,
			bucketTasks,
			bucketPlacements,
			bucketDomains,
			bucketAlerts,
			bucketAudit,
			bucketHostKeys,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return types.WrapFault(types.ErrKindInternal, err, "failed to create bucket %s", bucket)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func put(b *bolt.Bucket, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

// Host operations

func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		if err := b.ForEach(func(_, v []byte) error {
			var existing types.Host
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == host.Name {
				return types.NewFault(types.ErrKindConflict, "host name already in use: %s", host.Name)
			}
			return nil
		}); err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		host.ID = int64(seq)
		host.Version = 1
		host.CreatedAt = time.Now().UTC()
		host.UpdatedAt = host.CreatedAt
		return put(b, host.ID, host)
	})
}

func (s *BoltStore) GetHost(id int64) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHosts).Get(itob(id))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "host not found: %d", id)
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) GetHostByName(name string) (*types.Host, error) {
	var found *types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			if host.Name == name {
				found = &host
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.NewFault(types.ErrKindNotFound, "host not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(_, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

// UpdateHost enforces optimistic concurrency: the caller's Version must
// match the stored row, and the write bumps it by one.
func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get(itob(host.ID))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "host not found: %d", host.ID)
		}
		var stored types.Host
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Version != host.Version {
			return types.NewFault(types.ErrKindConflict,
				"host %d version conflict: have %d, want %d", host.ID, host.Version, stored.Version)
		}
		host.Version++
		host.UpdatedAt = time.Now().UTC()
		return put(b, host.ID, host)
	})
}

func (s *BoltStore) DeleteHost(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete(itob(id))
	})
}

// Task operations

func (s *BoltStore) CreateTask(task *types.DeploymentTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		task.ID = int64(seq)
		task.CreatedAt = time.Now().UTC()
		if task.Status == "" {
			task.Status = types.TaskStatusPending
		}
		return put(b, task.ID, task)
	})
}

func (s *BoltStore) GetTask(id int64) (*types.DeploymentTask, error) {
	var task types.DeploymentTask
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(itob(id))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "task not found: %d", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.DeploymentTask, error) {
	var tasks []*types.DeploymentTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var task types.DeploymentTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.DeploymentTask, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.DeploymentTask
	for _, task := range tasks {
		if task.Status == status {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// UpdateTask refuses to touch a task that already reached a terminal
// state: those rows are immutable.
func (s *BoltStore) UpdateTask(task *types.DeploymentTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(itob(task.ID))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "task not found: %d", task.ID)
		}
		var stored types.DeploymentTask
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		if stored.Status.Terminal() {
			return types.NewFault(types.ErrKindConflict, "task %d is terminal (%s)", task.ID, stored.Status)
		}
		return put(b, task.ID, task)
	})
}

// Placement operations

func (s *BoltStore) CreatePlacement(p *types.ServicePlacement) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlacements)
		if err := b.ForEach(func(_, v []byte) error {
			var existing types.ServicePlacement
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Name == p.Name {
				return types.NewFault(types.ErrKindConflict, "placement name already in use: %s", p.Name)
			}
			if existing.Active() && existing.HostID == p.HostID && existing.Port == p.Port {
				return types.NewFault(types.ErrKindConflict,
					"port %d already reserved on host %d by %s", p.Port, p.HostID, existing.Name)
			}
			return nil
		}); err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		p.ID = int64(seq)
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
		return put(b, p.ID, p)
	})
}

func (s *BoltStore) GetPlacement(id int64) (*types.ServicePlacement, error) {
	var p types.ServicePlacement
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlacements).Get(itob(id))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "placement not found: %d", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) GetPlacementByName(name string) (*types.ServicePlacement, error) {
	var found *types.ServicePlacement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).ForEach(func(_, v []byte) error {
			var p types.ServicePlacement
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Name == name {
				found = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.NewFault(types.ErrKindNotFound, "placement not found: %s", name)
	}
	return found, nil
}

func (s *BoltStore) ListPlacements() ([]*types.ServicePlacement, error) {
	var placements []*types.ServicePlacement
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).ForEach(func(_, v []byte) error {
			var p types.ServicePlacement
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			placements = append(placements, &p)
			return nil
		})
	})
	return placements, err
}

func (s *BoltStore) ListPlacementsByHost(hostID int64) ([]*types.ServicePlacement, error) {
	placements, err := s.ListPlacements()
	if err != nil {
		return nil, err
	}
	var filtered []*types.ServicePlacement
	for _, p := range placements {
		if p.HostID == hostID {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdatePlacement(p *types.ServicePlacement) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlacements)
		if b.Get(itob(p.ID)) == nil {
			return types.NewFault(types.ErrKindNotFound, "placement not found: %d", p.ID)
		}
		p.UpdatedAt = time.Now().UTC()
		return put(b, p.ID, p)
	})
}

func (s *BoltStore) DeletePlacement(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlacements).Delete(itob(id))
	})
}

// Domain operations

func (s *BoltStore) CreateDomain(d *types.DomainMapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		if err := b.ForEach(func(_, v []byte) error {
			var existing types.DomainMapping
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Domain == d.Domain {
				return types.NewFault(types.ErrKindConflict, "domain already mapped: %s", d.Domain)
			}
			return nil
		}); err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		d.ID = int64(seq)
		d.CreatedAt = time.Now().UTC()
		d.UpdatedAt = d.CreatedAt
		if d.Verification == "" {
			d.Verification = types.VerificationUnverified
		}
		return put(b, d.ID, d)
	})
}

func (s *BoltStore) GetDomain(id int64) (*types.DomainMapping, error) {
	var d types.DomainMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDomains).Get(itob(id))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "domain mapping not found: %d", id)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDomains() ([]*types.DomainMapping, error) {
	var domains []*types.DomainMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(_, v []byte) error {
			var d types.DomainMapping
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			domains = append(domains, &d)
			return nil
		})
	})
	return domains, err
}

func (s *BoltStore) UpdateDomain(d *types.DomainMapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		if b.Get(itob(d.ID)) == nil {
			return types.NewFault(types.ErrKindNotFound, "domain mapping not found: %d", d.ID)
		}
		d.UpdatedAt = time.Now().UTC()
		return put(b, d.ID, d)
	})
}

func (s *BoltStore) DeleteDomain(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).Delete(itob(id))
	})
}

// Alert operations

func (s *BoltStore) CreateAlert(a *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		a.ID = int64(seq)
		return put(b, a.ID, a)
	})
}

func (s *BoltStore) GetAlert(id int64) (*types.Alert, error) {
	var a types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAlerts).Get(itob(id))
		if data == nil {
			return types.NewFault(types.ErrKindNotFound, "alert not found: %d", id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAlerts() ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			alerts = append(alerts, &a)
			return nil
		})
	})
	return alerts, err
}

func (s *BoltStore) FindActiveAlert(kind string, hostID int64, placement string, service types.ServiceKind) (*types.Alert, error) {
	var found *types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(_, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status == types.AlertActive && a.SameTuple(kind, hostID, placement, service) {
				found = &a
			}
			return nil
		})
	})
	return found, err
}

func (s *BoltStore) UpdateAlert(a *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		if b.Get(itob(a.ID)) == nil {
			return types.NewFault(types.ErrKindNotFound, "alert not found: %d", a.ID)
		}
		return put(b, a.ID, a)
	})
}

// Audit operations. The bucket is append-only: there is deliberately no
// update or delete.

func (s *BoltStore) AppendAudit(e *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = int64(seq)
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		return put(b, e.ID, e)
	})
}

// ListAudit returns the most recent entries, newest first.
func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(entries) < limit); k, v = c.Prev() {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

// Host key pinning

func (s *BoltStore) GetHostKey(addr string) ([]byte, error) {
	var key []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHostKeys).Get([]byte(addr))
		if data != nil {
			// Copy out: bolt memory is only valid inside the transaction.
			key = make([]byte, len(data))
			copy(key, data)
		}
		return nil
	})
	return key, err
}

func (s *BoltStore) PutHostKey(addr string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHostKeys).Put([]byte(addr), key)
	})
}
