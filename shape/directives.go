// Shape directives: top-level keys callers embed in a shape to control
// caching and chunking per request. Directives are never part of the
// generated payload - they are stripped from the canonical form (so two
// shapes differing only in directives share a cache key) and from the shape
// handed to the generator.

package shape

import (
	"encoding/json"
	"strings"
)

// Directive keys recognized at the top level of an object shape.
const (
	// DirectiveCache requests N pre-generated variants for this shape.
	DirectiveCache = "x-mirage-cache"
	// DirectiveNoChunk disables chunked generation for this request.
	DirectiveNoChunk = "x-mirage-nochunk"
	// DirectivePriority sets the cache entry's eviction priority
	// (low, normal, high, never).
	DirectivePriority = "x-mirage-priority"
)

// Directives are the per-request overrides extracted from a shape.
type Directives struct {
	// CacheVariants is the requested variant count, 0 if absent.
	CacheVariants int
	// NoChunk disables chunking when true.
	NoChunk bool
	// Priority is the raw priority tier name, empty if absent.
	Priority string
}

// ExtractDirectives pulls directives out of the shape and returns them
// together with a descriptor with the directive keys removed. Shapes that
// are not objects carry no directives and are returned unchanged.
func ExtractDirectives(d Descriptor) (Directives, Descriptor) {
	obj, ok := d.value.(map[string]any)
	if !ok {
		return Directives{}, d
	}

	var dirs Directives
	found := false
	for key, val := range obj {
		switch key {
		case DirectiveCache:
			if n, ok := val.(float64); ok && n > 0 {
				dirs.CacheVariants = int(n)
			}
			found = true
		case DirectiveNoChunk:
			if b, ok := val.(bool); ok {
				dirs.NoChunk = b
			}
			found = true
		case DirectivePriority:
			if s, ok := val.(string); ok {
				dirs.Priority = strings.ToLower(s)
			}
			found = true
		}
	}
	if !found {
		return dirs, d
	}

	stripped := make(map[string]any, len(obj))
	for key, val := range obj {
		switch key {
		case DirectiveCache, DirectiveNoChunk, DirectivePriority:
			continue
		}
		stripped[key] = val
	}

	return dirs, fromValue(stripped)
}

// Canonical returns the canonical JSON text of the shape: directive keys
// stripped, object keys sorted, no insignificant whitespace. Two shapes that
// differ only in whitespace or directives canonicalize identically.
// Malformed shapes canonicalize to their raw text.
func (d Descriptor) Canonical() string {
	if !d.valid {
		return string(d.raw)
	}
	_, stripped := ExtractDirectives(d)
	// encoding/json sorts map keys, which gives the canonical ordering.
	out, err := json.Marshal(stripped.value)
	if err != nil {
		return string(d.raw)
	}
	return string(out)
}

// fromValue builds a descriptor from an already-parsed value.
func fromValue(value any) Descriptor {
	raw, err := json.Marshal(value)
	if err != nil {
		return Descriptor{}
	}
	return Descriptor{raw: raw, value: value, valid: true}
}
