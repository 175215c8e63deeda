package audit

import (
	"encoding/json"
	"time"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// Recorder appends operator actions to the audit log. Record is called
// before the state change commits, so a crash mid-change leaves the
// audit ahead of reality rather than behind it.
type Recorder struct {
	store storage.Store
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store storage.Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one entry. detail is marshalled to JSON; a marshal
// failure falls back to its Go representation so the action is never
// lost.
func (r *Recorder) Record(actor, action string, detail any, sourceAddr string) error {
	entry := &types.AuditEntry{
		Actor:      actor,
		Action:     action,
		SourceAddr: sourceAddr,
		Timestamp:  time.Now().UTC(),
	}
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			log.WithComponent("audit").Warn().Err(err).Str("action", action).Msg("detail not serialisable")
		} else {
			entry.Detail = string(data)
		}
	}
	return r.store.AppendAudit(entry)
}

// Recent returns the latest entries, newest first.
func (r *Recorder) Recent(limit int) ([]*types.AuditEntry, error) {
	return r.store.ListAudit(limit)
}
