package proxy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flotillahq/flotilla/pkg/types"
)

// upstreamName is the nginx upstream block every server block proxies
// to.
const upstreamName = "flotilla_workers"

// Upstream is one worker endpoint behind the proxy.
type Upstream struct {
	Name    string
	Address string
	Port    int
}

// Generate renders the complete proxy configuration. Inputs are sorted
// before rendering so the same fleet state always produces the same
// bytes; callers compare output against the deployed file to skip no-op
// reloads.
func Generate(upstreams []Upstream, domains []*types.DomainMapping) []byte {
	ups := make([]Upstream, len(upstreams))
	copy(ups, upstreams)
	sort.Slice(ups, func(i, j int) bool { return ups[i].Name < ups[j].Name })

	doms := make([]*types.DomainMapping, 0, len(domains))
	for _, d := range domains {
		if d.Verification == types.VerificationVerified {
			doms = append(doms, d)
		}
	}
	sort.Slice(doms, func(i, j int) bool { return doms[i].Domain < doms[j].Domain })

	var b strings.Builder
	b.WriteString("# Managed by flotilla. Do not edit; changes are overwritten.\n\n")

	b.WriteString(fmt.Sprintf("upstream %s {\n", upstreamName))
	b.WriteString("    least_conn;\n")
	if len(ups) == 0 {
		// nginx rejects an empty upstream block.
		b.WriteString("    server 127.0.0.1:65535 down;\n")
	}
	for _, u := range ups {
		b.WriteString(fmt.Sprintf("    server %s:%d max_fails=3 fail_timeout=30s; # %s\n",
			u.Address, u.Port, u.Name))
	}
	b.WriteString("}\n\n")

	for _, d := range doms {
		writeServerBlock(&b, d)
	}

	// Unmatched names get dropped without a response.
	b.WriteString("server {\n")
	b.WriteString("    listen 80 default_server;\n")
	b.WriteString("    server_name _;\n")
	b.WriteString("    return 444;\n")
	b.WriteString("}\n")

	return []byte(b.String())
}

func writeServerBlock(b *strings.Builder, d *types.DomainMapping) {
	b.WriteString("server {\n")
	if d.TLSEnabled {
		b.WriteString("    listen 443 ssl;\n")
		b.WriteString(fmt.Sprintf("    server_name %s;\n", d.Domain))
		b.WriteString(fmt.Sprintf("    ssl_certificate %s;\n", d.CertPath))
		b.WriteString(fmt.Sprintf("    ssl_certificate_key %s;\n", d.KeyPath))
	} else {
		b.WriteString("    listen 80;\n")
		b.WriteString(fmt.Sprintf("    server_name %s;\n", d.Domain))
	}
	b.WriteString("    location / {\n")
	b.WriteString(fmt.Sprintf("        proxy_pass http://%s;\n", upstreamName))
	b.WriteString("        proxy_set_header Host $host;\n")
	b.WriteString("        proxy_set_header X-Real-IP $remote_addr;\n")
	b.WriteString("        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	b.WriteString("        proxy_set_header X-Forwarded-Proto $scheme;\n")
	b.WriteString(fmt.Sprintf("        proxy_set_header X-Flotilla-Target %s;\n", d.Target))
	b.WriteString("    }\n")
	b.WriteString("}\n\n")

	if d.TLSEnabled {
		// Plain HTTP redirects to the TLS listener.
		b.WriteString("server {\n")
		b.WriteString("    listen 80;\n")
		b.WriteString(fmt.Sprintf("    server_name %s;\n", d.Domain))
		b.WriteString("    return 301 https://$host$request_uri;\n")
		b.WriteString("}\n\n")
	}
}
