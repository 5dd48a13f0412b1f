package tagcodec

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConcreteScenarios(t *testing.T) {
	tag, err := Encode("nix-cache-info")
	require.NoError(t, err)
	assert.Equal(t, "nix-cache-info", tag)

	tag, err = Encode("nar/0abc123xyz.nar.xz")
	require.NoError(t, err)
	assert.Equal(t, "nar_s_0abc123xyz.nar.xz", tag)

	tag, err = Encode("realisations/sha256:67890ed1!libgcc.doi")
	require.NoError(t, err)
	assert.Equal(t, "realisations_s_sha256_c_67890ed1_b_libgcc.doi", tag)
}

func TestRoundTrip(t *testing.T) {
	keys := []string{
		"nix-cache-info",
		"nar/0abc123xyz.nar.xz",
		"realisations/sha256:67890ed1!libgcc.doi",
		"abc123.narinfo",
		".hidden-key",
		"-dashed-key",
		"a+b=c@d_e",
		"key/with/many/slashes",
		"unicode-éè",
	}
	for _, k := range keys {
		enc, err := Encode(k)
		require.NoError(t, err, "encode %q", k)
		assert.Regexp(t, `^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`, enc, "encoded tag for %q must match grammar", k)
		dec, err := Decode(enc)
		require.NoError(t, err, "decode %q", enc)
		assert.Equal(t, k, dec, "round trip for %q", k)
	}
}

func TestKeyTooLong(t *testing.T) {
	long := strings.Repeat("/", 100)
	_, err := Encode(long)
	require.ErrorIs(t, err, ErrKeyTooLong)
}

func TestDecodeWithFallback(t *testing.T) {
	key := "legacy/weird:key!"
	legacyTag := encodeLegacyBase32(key)

	_, err := Decode(legacyTag)
	require.Error(t, err, "legacy tag must not be accepted by the primary decoder")

	got, err := DecodeWithFallback(legacyTag, DecodeLegacyBase32)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecodeWithFallback("not-a-tag-_broken", DecodeLegacyBase32)
	require.ErrorIs(t, err, ErrBadTag)
}

// runePool mixes plain ASCII, the substitution-table characters, and
// codepoints outside the Basic Multilingual Plane (> 0xFFFF) so the
// property test below exercises the variable-length unicode escape for
// supplementary-plane runes, not just the BMP.
var runePool = []rune{
	'a', 'b', 'Z', '0', '9', '_', '.', '-',
	'/', ':', '!', '+', '=', '@',
	'é', 'è', '中', '字', // BMP, outside the tag grammar
	'😀', '𝔘', '🦀', '𠀀', // supplementary plane (> 0xFFFF)
}

// randomKey builds a random, non-empty valid Key: arbitrary UTF-8 runes
// from runePool, per spec §3 ("Keys are arbitrary UTF-8").
func randomKey(rng *rand.Rand) string {
	n := 1 + rng.Intn(12)
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteRune(runePool[rng.Intn(len(runePool))])
	}
	return b.String()
}

// TestRoundTripProperty is the tag-bijection property from spec §8:
// "for every valid Key k, decode(encode(k)) = k", property-tested on
// random UTF-8 keys including codepoints beyond the Basic Multilingual
// Plane, which the _u<hex>_ escape must round-trip regardless of how
// many hex digits the codepoint needs.
func TestRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		k := randomKey(rng)
		enc, err := Encode(k)
		if err != nil {
			// Only ErrKeyTooLong is expected, for keys whose encoding
			// exceeds the tag length limit; anything else is a bug.
			require.ErrorIs(t, err, ErrKeyTooLong, "key %q (iteration %d)", k, i)
			continue
		}
		assert.Regexp(t, `^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`, enc, "encoded tag for %q must match grammar", k)
		dec, err := Decode(enc)
		require.NoError(t, err, "decode %q (from key %q, iteration %d)", enc, k, i)
		assert.Equal(t, k, dec, "round trip for %q (iteration %d)", k, i)
	}
}

// TestRoundTripSupplementaryPlaneRune targets the exact regression this
// covers: a single codepoint above 0xFFFF must round-trip even though its
// hex representation needs 5 or 6 digits, not the 4 a fixed-width escape
// would assume.
func TestRoundTripSupplementaryPlaneRune(t *testing.T) {
	for _, k := range []string{"😀", "🦀-build", "key/𠀀/value", "𝔘𝔫𝔦𝔠𝔬𝔡𝔢"} {
		enc, err := Encode(k)
		require.NoError(t, err, "encode %q", k)
		dec, err := Decode(enc)
		require.NoError(t, err, "decode %q (from key %q)", enc, k)
		assert.Equal(t, k, dec, "round trip for %q", k)
	}
}

func TestLeadingCharacterEscape(t *testing.T) {
	enc, err := Encode(".dotfile")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "_d_"))
	dec, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, ".dotfile", dec)

	enc, err = Encode("-dashfile")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "_h_"))
	dec, err = Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "-dashfile", dec)
}
