package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/pkg/types"
)

func TestExpandCIDRSkipsNetworkAndBroadcast(t *testing.T) {
	addrs, err := expandCIDR("192.168.1.0/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, addrs)
}

func TestExpandCIDRSingleHost(t *testing.T) {
	addrs, err := expandCIDR("10.0.0.7/32")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.7"}, addrs)
}

func TestExpandCIDRRejectsInvalid(t *testing.T) {
	_, err := expandCIDR("not-a-cidr")
	assert.Equal(t, types.ErrKindConfigInvalid, types.KindOf(err))
}

func TestExpandCIDRRejectsTooWide(t *testing.T) {
	_, err := expandCIDR("10.0.0.0/8")
	assert.Equal(t, types.ErrKindConfigInvalid, types.KindOf(err))
}

func TestExpandCIDRSize(t *testing.T) {
	addrs, err := expandCIDR("172.16.0.0/24")
	require.NoError(t, err)
	assert.Len(t, addrs, 254)
	assert.Equal(t, "172.16.0.1", addrs[0])
	assert.Equal(t, "172.16.0.254", addrs[len(addrs)-1])
}

func TestNextIPCarries(t *testing.T) {
	ip := net.ParseIP("10.0.0.255").To4()
	assert.Equal(t, "10.0.1.0", nextIP(ip).String())
}

// TestScanLoopback sweeps a loopback /32 with no credential bundles.
// Whether port 22 answers depends on the machine, so the test only
// checks the invariants that hold either way.
func TestScanLoopback(t *testing.T) {
	s := NewScanner(nil, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []Candidate
	found, err := s.Scan(ctx, "127.0.0.1/32", nil, func(c Candidate) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, len(found), len(seen))
	for _, c := range found {
		assert.True(t, c.Reachable)
		assert.False(t, c.Authenticated)
	}
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "Linux 6.1", firstLine("Linux 6.1\nextra"))
	assert.Equal(t, "bare", firstLine("bare"))
}

func TestScanCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScanner(nil, time.Second)
	_, err := s.Scan(ctx, "192.0.2.0/29", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func ExampleCandidate() {
	c := Candidate{Address: "10.0.0.4", Port: 22, Reachable: true}
	fmt.Println(c.Address, c.Reachable)
	// Output: 10.0.0.4 true
}
