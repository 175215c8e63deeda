package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flotillahq/flotilla/pkg/log"
	"github.com/flotillahq/flotilla/pkg/remote"
	"github.com/flotillahq/flotilla/pkg/types"
)

const (
	// maxConcurrent caps parallel dials so a /16 sweep does not exhaust
	// file descriptors.
	maxConcurrent = 32
	tcpTimeout    = 1 * time.Second
	sshPort       = 22
	// maxSweep refuses ranges broader than a /16.
	maxSweep = 65536
)

// Candidate is one address found during a sweep.
type Candidate struct {
	Address       string        `json:"address"`
	Port          int           `json:"port"`
	Reachable     bool          `json:"reachable"`
	Authenticated bool          `json:"authenticated"`
	User          string        `json:"user,omitempty"`
	Banner        string        `json:"banner,omitempty"`
	Latency       time.Duration `json:"latency"`
}

// Scanner sweeps a CIDR range for SSH-reachable machines and tries
// credential bundles against the ones that answer.
type Scanner struct {
	keys           remote.KeyStore
	connectTimeout time.Duration
}

// NewScanner creates a Scanner. The key store pins host keys the same
// way managed hosts do.
func NewScanner(keys remote.KeyStore, connectTimeout time.Duration) *Scanner {
	return &Scanner{keys: keys, connectTimeout: connectTimeout}
}

// expandCIDR lists all usable addresses in the range. Network and
// broadcast addresses are skipped for ranges wider than /31.
func expandCIDR(cidr string) ([]string, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, types.WrapFault(types.ErrKindConfigInvalid, err, "invalid CIDR %q", cidr)
	}
	ones, bits := ipNet.Mask.Size()
	if bits-ones > 16 {
		return nil, types.NewFault(types.ErrKindConfigInvalid,
			"range %s is wider than /16, refusing to sweep", cidr)
	}

	var addrs []string
	for cur := ip.Mask(ipNet.Mask); ipNet.Contains(cur); cur = nextIP(cur) {
		addrs = append(addrs, cur.String())
		if len(addrs) > maxSweep {
			break
		}
	}
	if len(addrs) > 2 && bits-ones > 1 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}

func nextIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

// Scan sweeps the range. Every reachable address produces one
// Candidate; the sink is invoked as candidates are found, from multiple
// goroutines. The returned slice is sorted by address for determinism.
func (s *Scanner) Scan(ctx context.Context, cidr string, bundles []types.CredentialBundle, sink func(Candidate)) ([]Candidate, error) {
	addrs, err := expandCIDR(cidr)
	if err != nil {
		return nil, err
	}
	log.WithComponent("discovery").Info().
		Str("cidr", cidr).
		Int("addresses", len(addrs)).
		Msg("starting network sweep")

	var mu sync.Mutex
	var found []Candidate

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			cand, ok := s.scanOne(ctx, addr, bundles)
			if !ok {
				return nil
			}
			mu.Lock()
			found = append(found, cand)
			mu.Unlock()
			if sink != nil {
				sink(cand)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Address < found[j].Address })
	log.WithComponent("discovery").Info().
		Str("cidr", cidr).
		Int("reachable", len(found)).
		Msg("network sweep finished")
	return found, nil
}

// scanOne checks one address. Unreachable addresses return ok=false and
// are dropped; reachable ones always produce a candidate, even when no
// credential bundle works.
func (s *Scanner) scanOne(ctx context.Context, addr string, bundles []types.CredentialBundle) (Candidate, bool) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, sshPort), tcpTimeout)
	if err != nil {
		return Candidate{}, false
	}
	latency := time.Since(start)
	conn.Close()

	cand := Candidate{Address: addr, Port: sshPort, Reachable: true, Latency: latency}
	for _, b := range bundles {
		target := remote.Target{
			Address:        addr,
			Port:           sshPort,
			User:           b.User,
			Password:       b.Password,
			PrivateKeyPath: b.PrivateKeyPath,
		}
		client, err := remote.Dial(ctx, target, s.keys, s.connectTimeout)
		if err != nil {
			if types.IsKind(err, types.ErrKindAuthFailed) {
				continue
			}
			// Unreachable or host key trouble: further bundles will not help.
			break
		}
		res, err := client.Execute(ctx, "uname -sr", 10*time.Second)
		client.Close()
		if err == nil && res.ExitCode == 0 {
			cand.Authenticated = true
			cand.User = b.User
			cand.Banner = firstLine(res.Stdout)
			break
		}
	}
	return cand, true
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
