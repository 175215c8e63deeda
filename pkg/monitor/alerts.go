package monitor

import (
	"time"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/metrics"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// Alerter raises, deduplicates, and resolves alerts. At most one alert
// per (kind, host, placement, service) tuple is active at a time.
type Alerter struct {
	store storage.Store
}

// NewAlerter creates an Alerter.
func NewAlerter(store storage.Store) *Alerter {
	return &Alerter{store: store}
}

// RaiseRequest describes a condition worth an alert.
type RaiseRequest struct {
	Kind      string
	Severity  types.Severity
	HostID    int64
	Placement string
	Service   types.ServiceKind

	Metric    string
	Value     float64
	Threshold float64

	AutoResolve bool
}

// Raise creates a new alert or folds the occurrence into the existing
// active one for the same tuple. A duplicate keeps the earliest
// FirstOccurrence, bumps LastOccurrence, and escalates severity but
// never downgrades it.
func (a *Alerter) Raise(req RaiseRequest) (*types.Alert, error) {
	now := time.Now().UTC()

	existing, err := a.store.FindActiveAlert(req.Kind, req.HostID, req.Placement, req.Service)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.LastOccurrence = now
		existing.Severity = existing.Severity.Max(req.Severity)
		existing.Value = req.Value
		if err := a.store.UpdateAlert(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	alert := &types.Alert{
		Kind:            req.Kind,
		Severity:        req.Severity,
		HostID:          req.HostID,
		Placement:       req.Placement,
		Service:         req.Service,
		Metric:          req.Metric,
		Value:           req.Value,
		Threshold:       req.Threshold,
		Status:          types.AlertActive,
		FirstOccurrence: now,
		LastOccurrence:  now,
		AutoResolve:     req.AutoResolve,
	}
	if err := a.store.CreateAlert(alert); err != nil {
		return nil, err
	}
	metrics.AlertsRaisedTotal.WithLabelValues(req.Kind).Inc()
	log.WithComponent("monitor").Warn().
		Str("kind", req.Kind).
		Int64("host_id", req.HostID).
		Str("severity", string(req.Severity)).
		Msg("alert raised")
	return alert, nil
}

// Acknowledge marks an active alert as seen by an operator.
func (a *Alerter) Acknowledge(id int64, actor string) (*types.Alert, error) {
	alert, err := a.store.GetAlert(id)
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertResolved {
		return nil, types.NewFault(types.ErrKindConflict, "alert %d is already resolved", id)
	}
	alert.Status = types.AlertAcknowledged
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve closes an alert with a note.
func (a *Alerter) Resolve(id int64, note string) (*types.Alert, error) {
	alert, err := a.store.GetAlert(id)
	if err != nil {
		return nil, err
	}
	if alert.Status == types.AlertResolved {
		return alert, nil
	}
	alert.Status = types.AlertResolved
	alert.ResolutionNote = note
	alert.ResolvedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// AutoResolve closes an auto-resolvable alert whose condition cleared,
// provided it has been open at least minAge. Young alerts stay open so
// a flapping condition keeps one visible record instead of a churn of
// open and close pairs.
func (a *Alerter) AutoResolve(alert *types.Alert, minAge time.Duration) (bool, error) {
	if !alert.AutoResolve || alert.Status == types.AlertResolved {
		return false, nil
	}
	if time.Since(alert.FirstOccurrence) < minAge {
		return false, nil
	}
	alert.Status = types.AlertResolved
	alert.ResolutionNote = "condition cleared"
	alert.ResolvedAt = time.Now().UTC()
	if err := a.store.UpdateAlert(alert); err != nil {
		return false, err
	}
	log.WithComponent("monitor").Info().
		Str("kind", alert.Kind).
		Int64("host_id", alert.HostID).
		Msg("alert auto-resolved")
	return true, nil
}

// ListAll returns every alert, resolved ones included.
func (a *Alerter) ListAll() ([]*types.Alert, error) {
	return a.store.ListAlerts()
}

// ActiveCount returns the number of unresolved alerts, used to keep the
// gauge honest after restarts.
func (a *Alerter) ActiveCount() (int, error) {
	alerts, err := a.store.ListAlerts()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, al := range alerts {
		if al.Status != types.AlertResolved {
			n++
		}
	}
	return n, nil
}
