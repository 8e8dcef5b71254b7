// Cache key fingerprinting. A key is derived from the request method, the
// normalized path and query, and the canonical shape - so requests that
// differ only in shape whitespace, key order, or cache directives map to the
// same entry.

package cache

import (
	"encoding/binary"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mirage-ai/mirage/shape"
)

// Key is a deterministic fingerprint of a cacheable request.
type Key string

// NewKey computes the fingerprint for a request. rawPath may carry a query
// string; its parameters are sorted so parameter order does not split cache
// entries. The shape contributes its canonical form (directives stripped,
// keys sorted).
func NewKey(method, rawPath string, shp shape.Descriptor) Key {
	path := rawPath
	query := ""
	if i := strings.IndexByte(rawPath, '?'); i >= 0 {
		path, query = rawPath[:i], rawPath[i+1:]
	}
	if values, err := url.ParseQuery(query); err == nil {
		// The variant-count and chunking overrides select how a response is
		// produced, not what it contains; keeping them out of the key lets a
		// request with any cache=N value hit the same entry.
		values.Del("cache")
		values.Del("nochunk")
		query = values.Encode() // sorted by key
	}
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		path = "/"
	}

	h := xxhash.New()
	h.WriteString(strings.ToUpper(method))
	h.WriteString("\n")
	h.WriteString(path)
	h.WriteString("\n")
	h.WriteString(query)
	h.WriteString("\n")
	h.WriteString(shp.Canonical())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return Key(hex.EncodeToString(buf[:]))
}
