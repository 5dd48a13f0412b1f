package tagcodec

import (
	"encoding/base32"
	"fmt"
	"strings"
)

// LegacyBase32Prefix marks a tag produced by the older whole-key
// base32-DNSSEC encoding this codec's fallback chain must still accept.
const LegacyBase32Prefix = "b32_"

// base32DNSSEC is the base32-DNSSEC alphabet: RFC 4648 base32hex in
// lowercase, without padding.
var base32DNSSEC = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// DecodeLegacyBase32 decodes a tag produced by the earlier oranc encoding
// scheme, which base32-DNSSEC-encoded the entire UTF-8 key and prefixed it
// with LegacyBase32Prefix so it could be told apart from the current
// substitution encoding. It is registered as a fallback decoder, never
// used for encoding.
func DecodeLegacyBase32(tag string) (string, error) {
	rest, ok := strings.CutPrefix(tag, LegacyBase32Prefix)
	if !ok {
		return "", fmt.Errorf("%w: not a legacy base32 tag: %q", ErrBadTag, tag)
	}
	decoded, err := base32DNSSEC.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("%w: invalid legacy base32 payload in %q: %v", ErrBadTag, tag, err)
	}
	return string(decoded), nil
}

// encodeLegacyBase32 is kept only so tests can construct fixtures for the
// fallback decoder; the primary codec never emits this form.
func encodeLegacyBase32(key string) string {
	return LegacyBase32Prefix + base32DNSSEC.EncodeToString([]byte(key))
}
