package domain

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/storage"
	"github.com/flotillahq/flotilla/pkg/types"
)

// domainPattern accepts registrable DNS names, not bare TLDs.
var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

const (
	dnsTimeout  = 5 * time.Second
	httpTimeout = 10 * time.Second
)

// Manager owns domain mappings. Verification changes invoke onChange so
// the proxy configuration can be regenerated.
type Manager struct {
	store    storage.Store
	resolver string
	onChange func()

	httpClient *http.Client
}

// NewManager creates a Manager. resolver is the host:port of the DNS
// server used for verification lookups; onChange may be nil.
func NewManager(store storage.Store, resolver string, onChange func()) *Manager {
	return &Manager{
		store:    store,
		resolver: resolver,
		onChange: onChange,
		httpClient: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				// Verification hits worker endpoints that often carry
				// self-signed certificates before a real one is issued.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// CreateRequest describes a new mapping.
type CreateRequest struct {
	Domain     string
	Target     string
	TLSEnabled bool
	CertPath   string
	KeyPath    string
}

// Create validates and persists a mapping in unverified state.
func (m *Manager) Create(req CreateRequest) (*types.DomainMapping, error) {
	name := strings.ToLower(strings.TrimSuffix(req.Domain, "."))
	if !domainPattern.MatchString(name) {
		return nil, types.NewFault(types.ErrKindConfigInvalid, "invalid domain name %q", req.Domain)
	}
	if req.Target == "" {
		return nil, types.NewFault(types.ErrKindConfigInvalid, "mapping target is required")
	}
	if req.TLSEnabled && (req.CertPath == "" || req.KeyPath == "") {
		return nil, types.NewFault(types.ErrKindConfigInvalid,
			"TLS mappings need both certificate and key paths")
	}

	d := &types.DomainMapping{
		Domain:       name,
		Target:       req.Target,
		TLSEnabled:   req.TLSEnabled,
		CertPath:     req.CertPath,
		KeyPath:      req.KeyPath,
		Verification: types.VerificationUnverified,
	}
	if err := m.store.CreateDomain(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Get returns one mapping.
func (m *Manager) Get(id int64) (*types.DomainMapping, error) {
	return m.store.GetDomain(id)
}

// List returns all mappings.
func (m *Manager) List() ([]*types.DomainMapping, error) {
	return m.store.ListDomains()
}

// Delete removes a mapping and triggers a proxy sync.
func (m *Manager) Delete(id int64) error {
	if err := m.store.DeleteDomain(id); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Verify checks that the domain's DNS records point at expectedAddr and
// that the domain answers over HTTP(S). The stored verification status
// is updated either way; a transition triggers a proxy sync.
func (m *Manager) Verify(ctx context.Context, id int64, expectedAddr string) (*types.DomainMapping, error) {
	d, err := m.store.GetDomain(id)
	if err != nil {
		return nil, err
	}

	status := types.VerificationVerified
	if err := m.checkDNS(ctx, d.Domain, expectedAddr); err != nil {
		log.WithComponent("domain").Warn().Str("domain", d.Domain).Err(err).Msg("DNS verification failed")
		status = types.VerificationFailed
	} else if err := m.checkHTTP(ctx, d); err != nil {
		log.WithComponent("domain").Warn().Str("domain", d.Domain).Err(err).Msg("HTTP verification failed")
		status = types.VerificationFailed
	}

	changed := d.Verification != status
	d.Verification = status
	d.LastVerifiedAt = time.Now().UTC()
	if err := m.store.UpdateDomain(d); err != nil {
		return nil, err
	}
	if changed {
		m.notify()
	}
	if status != types.VerificationVerified {
		return d, types.NewFault(types.ErrKindVerifyFailed, "domain %s failed verification", d.Domain)
	}
	return d, nil
}

// checkDNS resolves A and AAAA records against the configured resolver
// and requires expectedAddr among the answers.
func (m *Manager) checkDNS(ctx context.Context, name, expectedAddr string) error {
	expected := net.ParseIP(expectedAddr)
	if expected == nil {
		return types.NewFault(types.ErrKindConfigInvalid, "expected address %q is not an IP", expectedAddr)
	}

	client := &dns.Client{Timeout: dnsTimeout}
	fqdn := dns.Fqdn(name)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		resp, _, err := client.ExchangeContext(ctx, msg, m.resolver)
		if err != nil {
			return fmt.Errorf("query %s: %w", dns.TypeToString[qtype], err)
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				if rec.A.Equal(expected) {
					return nil
				}
			case *dns.AAAA:
				if rec.AAAA.Equal(expected) {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no A/AAAA record for %s points at %s", name, expectedAddr)
}

// checkHTTP requires the domain to answer something that is not a
// server error.
func (m *Manager) checkHTTP(ctx context.Context, d *types.DomainMapping) error {
	scheme := "http"
	if d.TLSEnabled {
		scheme = "https"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+d.Domain+"/", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}
