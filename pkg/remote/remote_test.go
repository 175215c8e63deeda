package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/flotillahq/flotilla/pkg/types"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{
			name:     "plain arguments",
			args:     []string{"systemctl", "restart", "nginx"},
			expected: "'systemctl' 'restart' 'nginx'",
		},
		{
			name:     "argument with spaces",
			args:     []string{"echo", "hello world"},
			expected: "'echo' 'hello world'",
		},
		{
			name:     "single quote injection attempt",
			args:     []string{"echo", "'; rm -rf / #"},
			expected: `'echo' ''\''; rm -rf / #'`,
		},
		{
			name:     "empty argument",
			args:     []string{"test", ""},
			expected: "'test' ''",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Quote(tt.args...))
		})
	}
}

func TestAuthMethodsRequireCredentials(t *testing.T) {
	_, err := authMethods(Target{Address: "10.0.0.1", User: "deployer"})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindAuthFailed, types.KindOf(err))
}

func TestAuthMethodsPassword(t *testing.T) {
	methods, err := authMethods(Target{Address: "10.0.0.1", User: "deployer", Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestAuthMethodsMissingKeyFile(t *testing.T) {
	_, err := authMethods(Target{
		Address:        "10.0.0.1",
		User:           "deployer",
		PrivateKeyPath: "/nonexistent/id_rsa",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindAuthFailed, types.KindOf(err))
}

type memKeyStore struct {
	keys map[string][]byte
}

func (m *memKeyStore) GetHostKey(addr string) ([]byte, error) {
	return m.keys[addr], nil
}

func (m *memKeyStore) PutHostKey(addr string, key []byte) error {
	m.keys[addr] = key
	return nil
}

type fakePublicKey struct {
	wire []byte
}

func (k fakePublicKey) Type() string                        { return "ssh-ed25519" }
func (k fakePublicKey) Marshal() []byte                     { return k.wire }
func (k fakePublicKey) Verify([]byte, *ssh.Signature) error { return nil }

func TestPinningCallbackPinsOnFirstContact(t *testing.T) {
	store := &memKeyStore{keys: map[string][]byte{}}
	cb := pinningCallback(store)

	require.NoError(t, cb("10.0.0.1:22", nil, fakePublicKey{wire: []byte("key-a")}))
	assert.Equal(t, []byte("key-a"), store.keys["10.0.0.1:22"])

	// Same key again is fine.
	require.NoError(t, cb("10.0.0.1:22", nil, fakePublicKey{wire: []byte("key-a")}))

	// Changed key is fatal.
	err := cb("10.0.0.1:22", nil, fakePublicKey{wire: []byte("key-b")})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindHostKeyChanged, types.KindOf(err))
}

func TestDialUnreachable(t *testing.T) {
	store := &memKeyStore{keys: map[string][]byte{}}

	_, err := Dial(t.Context(), Target{
		Address:  "127.0.0.1",
		Port:     1, // reserved port, nothing listening
		User:     "deployer",
		Password: "secret",
	}, store, 500*time.Millisecond)
	require.Error(t, err)
	kind := types.KindOf(err)
	assert.Contains(t, []types.ErrKind{types.ErrKindUnreachable, types.ErrKindTimeout}, kind)
}
