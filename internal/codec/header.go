package codec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxHeaderLength is the maximum size in bytes of an encoded store or
// chunk header, including its padding and trailing newline.
const MaxHeaderLength = 1024

// Header is an ordered ASCII key=value map, the encoding used for store
// headers, chunk headers, and chunk footers (spec.md §4.2/§6).
type Header map[string]string

// Encode renders h as "k1=v1,k2=v2,...\n", keys sorted for determinism,
// space-padded to exactly size bytes. It returns an error if the encoded
// content (before padding) would exceed size.
func Encode(h Header, size int) ([]byte, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(h[k])
	}
	b.WriteByte('\n')

	encoded := b.String()
	if len(encoded) > size {
		return nil, fmt.Errorf("header encodes to %d bytes, exceeds %d", len(encoded), size)
	}

	out := make([]byte, size)
	copy(out, encoded)
	for i := len(encoded); i < size; i++ {
		out[i] = ' '
	}
	return out, nil
}

// Decode parses a header previously produced by Encode (or its padded
// on-disk form): comma-separated key=value pairs up to the first '\n',
// trailing space padding ignored.
func Decode(buf []byte) (Header, error) {
	nl := -1
	for i, c := range buf {
		if c == '\n' {
			nl = i
			break
		}
	}
	if nl < 0 {
		return nil, fmt.Errorf("header: no newline terminator found")
	}
	line := strings.TrimRight(string(buf[:nl]), " ")
	h := Header{}
	if line == "" {
		return h, nil
	}
	for _, pair := range strings.Split(line, ",") {
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return nil, fmt.Errorf("header: malformed pair %q", pair)
		}
		h[pair[:eq]] = pair[eq+1:]
	}
	return h, nil
}

// Inline renders h the same way Encode does, but without padding —
// used for header-shaped values embedded inside another encoding, such
// as a chunk's "chunk.<hex>" entry in the meta map.
func (h Header) Inline() string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(h[k])
	}
	return b.String()
}

// DecodeInline parses a header rendered by Inline (no padding, no
// trailing newline required).
func DecodeInline(s string) (Header, error) {
	h := Header{}
	if s == "" {
		return h, nil
	}
	for _, pair := range strings.Split(s, ",") {
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return nil, fmt.Errorf("header: malformed pair %q", pair)
		}
		h[pair[:eq]] = pair[eq+1:]
	}
	return h, nil
}

// Int parses key as a base-10 int64, returning ok=false if absent or
// unparsable.
func (h Header) Int(key string) (int64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Hex parses key as a hex-encoded uint64.
func (h Header) Hex(key string) (uint64, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetInt sets key to the base-10 rendering of n.
func (h Header) SetInt(key string, n int64) {
	h[key] = strconv.FormatInt(n, 10)
}

// SetHex sets key to the lowercase-hex rendering of n.
func (h Header) SetHex(key string, n uint64) {
	h[key] = strconv.FormatUint(n, 16)
}
