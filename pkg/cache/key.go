package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// KeyInput describes the parts of a request that determine cache identity
// (spec.md §4.8's canonical key). Identical semantic requests must produce
// identical keys regardless of input ordering. VaryHeaders keys must
// already be lowercased by the caller.
type KeyInput struct {
	Method      string
	RouteName   string
	Path        string
	Query       url.Values
	VaryHeaders map[string]string // lowercased header name -> value, as received
	TenantID    string
}

// CanonicalKey builds the "cache:<hash>" key described in spec.md §4.8:
// method (uppercased), route name, path, query (keys sorted, values sorted
// within each key), vary headers (lowercased names, values as received,
// pairs sorted), and tenant id, joined with "::", SHA-256'd, truncated to
// the first 32 hex characters.
func CanonicalKey(in KeyInput) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(in.Method))
	b.WriteString("::")
	b.WriteString(in.RouteName)
	b.WriteString("::")
	b.WriteString(in.Path)
	b.WriteString("::")
	b.WriteString(canonicalQuery(in.Query))
	b.WriteString("::")
	b.WriteString(canonicalVary(in.VaryHeaders))
	b.WriteString("::")
	b.WriteString(in.TenantID)

	sum := sha256.Sum256([]byte(b.String()))
	return "cache:" + hex.EncodeToString(sum[:])[:32]
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		parts = append(parts, k+"="+strings.Join(values, ","))
	}
	return strings.Join(parts, "&")
}

func canonicalVary(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, k+"="+headers[k])
	}
	return strings.Join(parts, "&")
}
