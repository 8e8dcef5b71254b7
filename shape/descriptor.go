// Package shape models the JSON shape templates that drive payload generation.
//
// A shape is an opaque, parsed JSON document supplied by the caller. This
// package derives the structural attributes the chunk estimator needs
// (nesting depth, array count, property count, serialized length), produces
// the canonical form used for cache fingerprinting, and rewrites count-like
// fields when a shape is split into per-chunk sub-requests.
package shape

import (
	"encoding/json"
	"fmt"
)

// Descriptor is a parsed JSON shape template. The zero value is an empty
// shape. Descriptors are read-only after creation; derived forms (stripped,
// rewritten) are new values.
type Descriptor struct {
	raw   []byte
	value any
	valid bool
}

// Parse parses raw JSON into a Descriptor. Returns an error if the input is
// not valid JSON.
func Parse(data []byte) (Descriptor, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return Descriptor{}, fmt.Errorf("parse shape: %w", err)
	}
	return Descriptor{raw: data, value: value, valid: true}, nil
}

// FromRaw wraps raw bytes without requiring them to parse. Malformed input
// yields a descriptor with Valid() == false; the estimator degrades such
// shapes to a flat-object estimate instead of failing.
func FromRaw(data []byte) Descriptor {
	d, err := Parse(data)
	if err != nil {
		return Descriptor{raw: data}
	}
	return d
}

// Raw returns the original bytes the descriptor was built from.
func (d Descriptor) Raw() []byte {
	return d.raw
}

// Value returns the parsed JSON value, or nil for malformed shapes.
func (d Descriptor) Value() any {
	return d.value
}

// Valid reports whether the shape parsed as JSON.
func (d Descriptor) Valid() bool {
	return d.valid
}

// IsEmpty reports whether the shape has no content at all.
func (d Descriptor) IsEmpty() bool {
	return len(d.raw) == 0 && d.value == nil
}

// String returns the JSON text of the shape.
func (d Descriptor) String() string {
	if d.valid {
		out, err := json.Marshal(d.value)
		if err == nil {
			return string(out)
		}
	}
	return string(d.raw)
}

// Attributes are the structural properties of a shape that feed the token
// estimate.
type Attributes struct {
	// Depth is the maximum nesting depth. A flat object or array is depth 1;
	// scalars and empty shapes are depth 0.
	Depth int
	// ArrayCount is the total number of arrays anywhere in the shape.
	ArrayCount int
	// PropertyCount is the total number of object keys anywhere in the shape.
	PropertyCount int
	// SerializedLength is the byte length of the shape's JSON text.
	SerializedLength int
}

// Attributes derives structural attributes from the shape. Malformed shapes
// yield zero structure but keep their serialized length.
func (d Descriptor) Attributes() Attributes {
	attrs := Attributes{SerializedLength: len(d.raw)}
	if !d.valid {
		return attrs
	}
	attrs.Depth = measureDepth(d.value)
	countNodes(d.value, &attrs)
	return attrs
}

func measureDepth(value any) int {
	switch v := value.(type) {
	case map[string]any:
		max := 0
		for _, child := range v {
			if d := measureDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range v {
			if d := measureDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

func countNodes(value any, attrs *Attributes) {
	switch v := value.(type) {
	case map[string]any:
		attrs.PropertyCount += len(v)
		for _, child := range v {
			countNodes(child, attrs)
		}
	case []any:
		attrs.ArrayCount++
		for _, child := range v {
			countNodes(child, attrs)
		}
	}
}
