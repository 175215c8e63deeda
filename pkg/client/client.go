package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flotillahq/flotilla/pkg/cache"
	"github.com/flotillahq/flotilla/pkg/types"
)

// Client talks to a control-plane server over its HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client against baseURL, e.g. "http://127.0.0.1:8080".
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type apiError struct {
	Error struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.WrapFault(types.ErrKindUnreachable, err, "control plane not reachable at %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.NewDecoder(resp.Body).Decode(&ae) == nil && ae.Error.Detail != "" {
			return types.NewFault(types.ErrKind(ae.Error.Kind), "%s", ae.Error.Detail)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Hosts

// AddHostRequest mirrors the server's host creation body.
type AddHostRequest struct {
	Name           string              `json:"name"`
	Address        string              `json:"address"`
	SSHPort        int                 `json:"ssh_port,omitempty"`
	SSHUser        string              `json:"ssh_user"`
	Password       string              `json:"password,omitempty"`
	PrivateKeyPath string              `json:"private_key_path,omitempty"`
	Roles          []types.ServiceKind `json:"roles"`
}

func (c *Client) AddHost(ctx context.Context, req AddHostRequest) (*types.Host, error) {
	var host types.Host
	if err := c.do(ctx, http.MethodPost, "/api/v1/hosts", req, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (c *Client) ListHosts(ctx context.Context) ([]*types.Host, error) {
	var hosts []*types.Host
	if err := c.do(ctx, http.MethodGet, "/api/v1/hosts", nil, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (c *Client) GetHost(ctx context.Context, id int64) (*types.Host, error) {
	var host types.Host
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/hosts/%d", id), nil, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (c *Client) SetHostStatus(ctx context.Context, id int64, status types.HostStatus) (*types.Host, error) {
	body := map[string]types.HostStatus{"status": status}
	var host types.Host
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/hosts/%d/status", id), body, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (c *Client) DecommissionHost(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/hosts/%d", id), nil, nil)
}

// ProbeHost runs the server-side probe and returns its raw report.
func (c *Client) ProbeHost(ctx context.Context, id int64) (json.RawMessage, error) {
	var report json.RawMessage
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/hosts/%d/probe", id), nil, &report); err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Client) HostMetrics(ctx context.Context, id int64) (*types.MetricSample, error) {
	var sample types.MetricSample
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/hosts/%d/metrics", id), nil, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

func (c *Client) SystemMetrics(ctx context.Context) (*cache.SystemAggregate, error) {
	var agg cache.SystemAggregate
	if err := c.do(ctx, http.MethodGet, "/api/v1/system/metrics", nil, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// Deployments

// SubmitTaskRequest mirrors the server's deployment body.
type SubmitTaskRequest struct {
	Kind         types.TaskKind      `json:"kind"`
	Service      types.ServiceKind   `json:"service,omitempty"`
	SourceHostID int64               `json:"source_host_id,omitempty"`
	TargetHostID int64               `json:"target_host_id,omitempty"`
	Services     []types.ServiceKind `json:"services,omitempty"`
	Config       map[string]string   `json:"config,omitempty"`
}

func (c *Client) SubmitTask(ctx context.Context, req SubmitTaskRequest) (*types.DeploymentTask, error) {
	var task types.DeploymentTask
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]*types.DeploymentTask, error) {
	var tasks []*types.DeploymentTask
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id int64) (*types.DeploymentTask, error) {
	var task types.DeploymentTask
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, id int64) (*types.DeploymentTask, error) {
	var task types.DeploymentTask
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/deployments/%d/cancel", id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// WaitTask polls until the task reaches a terminal status.
func (c *Client) WaitTask(ctx context.Context, id int64, poll time.Duration) (*types.DeploymentTask, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Placements

type CreatePlacementRequest struct {
	Name     string            `json:"name"`
	Capacity int               `json:"capacity,omitempty"`
	HostID   int64             `json:"host_id,omitempty"`
	Config   map[string]string `json:"config,omitempty"`
}

// PlacementResult pairs the placement with its install task.
type PlacementResult struct {
	Placement *types.ServicePlacement `json:"placement"`
	Task      *types.DeploymentTask   `json:"task"`
}

func (c *Client) CreatePlacement(ctx context.Context, req CreatePlacementRequest) (*PlacementResult, error) {
	var res PlacementResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/placements", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListPlacements(ctx context.Context) ([]*types.ServicePlacement, error) {
	var placements []*types.ServicePlacement
	if err := c.do(ctx, http.MethodGet, "/api/v1/placements", nil, &placements); err != nil {
		return nil, err
	}
	return placements, nil
}

func (c *Client) DrainPlacement(ctx context.Context, id int64) (*types.ServicePlacement, error) {
	var p types.ServicePlacement
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/placements/%d/drain", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) StopPlacement(ctx context.Context, id int64) (*types.ServicePlacement, error) {
	var p types.ServicePlacement
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/placements/%d/stop", id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Domains

type CreateDomainRequest struct {
	Domain     string `json:"domain"`
	Target     string `json:"target"`
	TLSEnabled bool   `json:"tls_enabled,omitempty"`
	CertPath   string `json:"cert_path,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
}

func (c *Client) CreateDomain(ctx context.Context, req CreateDomainRequest) (*types.DomainMapping, error) {
	var d types.DomainMapping
	if err := c.do(ctx, http.MethodPost, "/api/v1/domains", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListDomains(ctx context.Context) ([]*types.DomainMapping, error) {
	var domains []*types.DomainMapping
	if err := c.do(ctx, http.MethodGet, "/api/v1/domains", nil, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

func (c *Client) VerifyDomain(ctx context.Context, id int64, expectedAddr string) (*types.DomainMapping, error) {
	body := map[string]string{"expected_addr": expectedAddr}
	var d types.DomainMapping
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/domains/%d/verify", id), body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) DeleteDomain(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/domains/%d", id), nil, nil)
}

// Alerts and audit

func (c *Client) ListAlerts(ctx context.Context) ([]*types.Alert, error) {
	var alerts []*types.Alert
	if err := c.do(ctx, http.MethodGet, "/api/v1/alerts", nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) AckAlert(ctx context.Context, id int64) (*types.Alert, error) {
	var alert types.Alert
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%d/ack", id), nil, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

func (c *Client) ResolveAlert(ctx context.Context, id int64, note string) (*types.Alert, error) {
	body := map[string]string{"note": note}
	var alert types.Alert
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%d/resolve", id), body, &alert); err != nil {
		return nil, err
	}
	return &alert, nil
}

func (c *Client) ListAudit(ctx context.Context, limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	path := fmt.Sprintf("/api/v1/audit?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Scan

func (c *Client) SubmitScan(ctx context.Context, cidr, user, password string) (*types.DeploymentTask, error) {
	cfg := map[string]string{"cidr": cidr}
	if user != "" {
		cfg["user"] = user
		cfg["password"] = password
	}
	var task types.DeploymentTask
	if err := c.do(ctx, http.MethodPost, "/api/v1/scan", map[string]any{"config": cfg}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
