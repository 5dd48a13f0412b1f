package narinfo

import (
	"testing"

	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/stretchr/testify/require"
)

// testKeypair returns a freshly generated Ed25519 keypair named "test-1",
// mirroring the fixtures used in the a-h/depot integration tests.
func testKeypair(t *testing.T) (signature.SecretKey, signature.PublicKey) {
	t.Helper()
	secretKey, publicKey, err := signature.GenerateKeypair("test-1", nil)
	require.NoError(t, err)
	return secretKey, publicKey
}

func TestBuildAndVerify(t *testing.T) {
	secretKey, publicKey := testKeypair(t)

	in := BuildInput{
		StorePath:   "/nix/store/abcdefghijklmnopqrstuvwxyz123456-hello-1.0",
		URL:         "nar/0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd.nar.xz",
		Compression: "xz",
		FileHash:    "sha256:1111111111111111111111111111111111111111111111111111111111111111",
		FileSize:    1024,
		NarHash:     "sha256:2222222222222222222222222222222222222222222222222222222222222222",
		NarSize:     4096,
		References:  []string{"abcdefghijklmnopqrstuvwxyz123456-hello-1.0"},
	}

	ni, err := Build(in, secretKey)
	require.NoError(t, err)
	require.Len(t, ni.Signatures, 1)
	require.True(t, Verify(ni, publicKey))
}
