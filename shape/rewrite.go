// Count-field rewriting for per-chunk shapes. When a large request is split
// into chunks, each chunk reuses the original shape with its count-like
// fields rewritten to the chunk's item count, so the generator produces
// exactly that many items.

package shape

import (
	"sort"
	"strings"
)

// countKeys are the top-level field names treated as count-like. Matching is
// case-insensitive with underscores ignored, so "num_items" and "numItems"
// both match.
var countKeys = map[string]bool{
	"count":     true,
	"numitems":  true,
	"itemcount": true,
	"total":     true,
	"limit":     true,
}

func isCountKey(key string) bool {
	return countKeys[strings.ToLower(strings.ReplaceAll(key, "_", ""))]
}

// WithItemCount returns a copy of the shape with every top-level count-like
// numeric field rewritten to n. If the shape has no such field (or is not an
// object), one named "count" is added so the generator always sees the
// target item count.
func (d Descriptor) WithItemCount(n int) Descriptor {
	obj, ok := d.value.(map[string]any)
	if !ok {
		return d
	}

	rewritten := make(map[string]any, len(obj)+1)
	replaced := false
	for key, val := range obj {
		if isCountKey(key) {
			if _, isNum := val.(float64); isNum {
				rewritten[key] = float64(n)
				replaced = true
				continue
			}
		}
		rewritten[key] = val
	}
	if !replaced {
		rewritten["count"] = float64(n)
	}

	return fromValue(rewritten)
}

// ItemCount returns the value of the first top-level count-like numeric
// field, or 0 if the shape declares none.
func (d Descriptor) ItemCount() int {
	obj, ok := d.value.(map[string]any)
	if !ok {
		return 0
	}
	var keys []string
	for key := range obj {
		if isCountKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys) // deterministic when a shape declares several
	for _, key := range keys {
		if n, isNum := obj[key].(float64); isNum && n > 0 {
			return int(n)
		}
	}
	return 0
}
