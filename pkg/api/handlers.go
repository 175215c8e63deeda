package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flotillahq/flotilla/pkg/domain"
	"github.com/flotillahq/flotilla/pkg/engine"
	"github.com/flotillahq/flotilla/pkg/inventory"
	"github.com/flotillahq/flotilla/pkg/placement"
	"github.com/flotillahq/flotilla/pkg/types"
)

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewFault(types.ErrKindConfigInvalid, "invalid id in path")
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.WrapFault(types.ErrKindConfigInvalid, err, "invalid request body")
	}
	return nil
}

// record writes an audit entry. Mutating handlers call it before the
// state change commits, so the trail shows the attempt even when the
// operation fails.
func (s *Server) record(r *http.Request, action string, detail any) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(actor(r), action, detail, r.RemoteAddr)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sanitizeHost strips credential ciphertext from API responses. Even
// encrypted, the secret material stays inside the control plane.
func sanitizeHost(h *types.Host) *types.Host {
	out := *h
	out.EncryptedPassword = nil
	return &out
}

func sanitizeHosts(hosts []*types.Host) []*types.Host {
	out := make([]*types.Host, len(hosts))
	for i, h := range hosts {
		out[i] = sanitizeHost(h)
	}
	return out
}

// Hosts

type addHostBody struct {
	Name           string              `json:"name"`
	Address        string              `json:"address"`
	SSHPort        int                 `json:"ssh_port"`
	SSHUser        string              `json:"ssh_user"`
	Password       string              `json:"password,omitempty"`
	PrivateKeyPath string              `json:"private_key_path,omitempty"`
	Roles          []types.ServiceKind `json:"roles"`
}

func (s *Server) addHost(w http.ResponseWriter, r *http.Request) {
	var body addHostBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SSHPort == 0 {
		body.SSHPort = s.cfg.SSH.DefaultPort
	}
	s.record(r, "host.add", map[string]any{"name": body.Name, "address": body.Address})
	host, err := s.inv.AddHost(inventory.AddHostRequest{
		Name:           body.Name,
		Address:        body.Address,
		SSHPort:        body.SSHPort,
		SSHUser:        body.SSHUser,
		Password:       body.Password,
		PrivateKeyPath: body.PrivateKeyPath,
		Roles:          body.Roles,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sanitizeHost(host))
}

func (s *Server) listHosts(w http.ResponseWriter, _ *http.Request) {
	hosts, err := s.inv.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitizeHosts(hosts))
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	host, err := s.inv.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitizeHost(host))
}

func (s *Server) decommissionHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "host.decommission", map[string]any{"id": id})
	if err := s.inv.SetStatus(id, types.HostStatusDecommissioned); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setStatusBody struct {
	Status types.HostStatus `json:"status"`
}

func (s *Server) setHostStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body setStatusBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	switch body.Status {
	case types.HostStatusActive, types.HostStatusMaintenance, types.HostStatusDecommissioned:
	default:
		writeError(w, types.NewFault(types.ErrKindConfigInvalid, "status %q cannot be set by hand", body.Status))
		return
	}
	s.record(r, "host.status", map[string]any{"id": id, "status": body.Status})
	if err := s.inv.SetStatus(id, body.Status); err != nil {
		writeError(w, err)
		return
	}
	host, err := s.inv.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sanitizeHost(host))
}

// probeHost runs the full credential and facts probe. A passing probe
// activates a pending host.
func (s *Server) probeHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	host, err := s.inv.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := s.inv.Target(host)
	if err != nil {
		writeError(w, err)
		return
	}

	s.record(r, "host.probe", map[string]any{"id": id})
	report := s.prober.Probe(r.Context(), target)
	if report.OK && report.Facts != nil {
		if err := s.inv.UpdateFacts(id, report.Facts); err != nil {
			writeError(w, err)
			return
		}
		if host.Status == types.HostStatusPending {
			if err := s.inv.SetStatus(id, types.HostStatusActive); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) hostMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cache == nil {
		writeError(w, types.NewFault(types.ErrKindNotFound, "no metrics cache configured"))
		return
	}
	sample, err := s.cache.GetSample(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sample == nil {
		writeError(w, types.NewFault(types.ErrKindNotFound, "no recent sample for host %d", id))
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) systemMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, types.NewFault(types.ErrKindNotFound, "no metrics cache configured"))
		return
	}
	agg, err := s.cache.GetAggregate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agg == nil {
		writeError(w, types.NewFault(types.ErrKindNotFound, "no aggregate computed yet"))
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// Deployments

type submitTaskBody struct {
	Kind         types.TaskKind      `json:"kind"`
	Service      types.ServiceKind   `json:"service,omitempty"`
	SourceHostID int64               `json:"source_host_id,omitempty"`
	TargetHostID int64               `json:"target_host_id,omitempty"`
	Services     []types.ServiceKind `json:"services,omitempty"`
	Config       map[string]string   `json:"config,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body submitTaskBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "deployment.submit", map[string]any{"kind": body.Kind, "target_host_id": body.TargetHostID})
	task, err := s.eng.Submit(engine.SubmitRequest{
		Kind:         body.Kind,
		Service:      body.Service,
		SourceHostID: body.SourceHostID,
		TargetHostID: body.TargetHostID,
		Services:     body.Services,
		Config:       body.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	tasks, err := s.eng.Tasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.Task(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "deployment.cancel", map[string]any{"id": id})
	if err := s.eng.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.Task(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var body submitTaskBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "scan.submit", map[string]any{"cidr": body.Config["cidr"]})
	task, err := s.eng.Submit(engine.SubmitRequest{
		Kind:   types.TaskNetworkScan,
		Config: body.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// Placements

type createPlacementBody struct {
	Name     string            `json:"name"`
	Capacity int               `json:"capacity,omitempty"`
	HostID   int64             `json:"host_id,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
}

func (s *Server) createPlacement(w http.ResponseWriter, r *http.Request) {
	var body createPlacementBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "placement.create", map[string]any{"name": body.Name, "host_id": body.HostID})
	p, task, err := s.placements.Create(placement.CreateRequest{
		Name:     body.Name,
		Capacity: body.Capacity,
		HostID:   body.HostID,
		Config:   body.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"placement": p, "task": task})
}

func (s *Server) listPlacements(w http.ResponseWriter, _ *http.Request) {
	placements, err := s.placements.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, placements)
}

func (s *Server) getPlacement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.placements.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) drainPlacement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "placement.drain", map[string]any{"id": id})
	p, err := s.placements.Drain(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) stopPlacement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "placement.stop", map[string]any{"id": id})
	p, err := s.placements.Stop(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) pickPlacement(w http.ResponseWriter, _ *http.Request) {
	p, err := s.placements.PickForTenant()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) assignTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "placement.assign-tenant", map[string]any{"id": id})
	p, err := s.placements.AssignTenant(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) releaseTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "placement.release-tenant", map[string]any{"id": id})
	p, err := s.placements.ReleaseTenant(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Domains

type createDomainBody struct {
	Domain     string `json:"domain"`
	Target     string `json:"target"`
	TLSEnabled bool   `json:"tls_enabled,omitempty"`
	CertPath   string `json:"cert_path,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
}

func (s *Server) createDomain(w http.ResponseWriter, r *http.Request) {
	var body createDomainBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "domain.create", map[string]any{"domain": body.Domain, "target": body.Target})
	d, err := s.domains.Create(domain.CreateRequest{
		Domain:     body.Domain,
		Target:     body.Target,
		TLSEnabled: body.TLSEnabled,
		CertPath:   body.CertPath,
		KeyPath:    body.KeyPath,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	domains, err := s.domains.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) getDomain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.domains.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDomain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "domain.delete", map[string]any{"id": id})
	if err := s.domains.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyDomainBody struct {
	ExpectedAddr string `json:"expected_addr"`
}

func (s *Server) verifyDomain(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body verifyDomainBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	s.record(r, "domain.verify", map[string]any{"id": id, "expected_addr": body.ExpectedAddr})
	d, err := s.domains.Verify(ctx, id, body.ExpectedAddr)
	if err != nil && d == nil {
		writeError(w, err)
		return
	}
	// A failed verification still returns the mapping with its state.
	writeJSON(w, http.StatusOK, d)
}

// Alerts

func (s *Server) listAlerts(w http.ResponseWriter, _ *http.Request) {
	alerts, err := s.alerter.ListAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) ackAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.record(r, "alert.ack", map[string]any{"id": id})
	alert, err := s.alerter.Acknowledge(id, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type resolveAlertBody struct {
	Note string `json:"note,omitempty"`
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body resolveAlertBody
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	if body.Note == "" {
		body.Note = "resolved by operator"
	}
	s.record(r, "alert.resolve", map[string]any{"id": id, "note": body.Note})
	alert, err := s.alerter.Resolve(id, body.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// Audit

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, types.NewFault(types.ErrKindConfigInvalid, "limit must be 1-1000"))
			return
		}
		limit = n
	}
	entries, err := s.auditor.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
