// Package chunk splits oversized generation requests into token-budgeted
// sub-requests and orchestrates their sequential execution.
//
// The estimator and planner are pure functions over shape attributes and
// budget configuration; the orchestrator coordinates the generator calls.
package chunk

import (
	"math"

	"github.com/mirage-ai/mirage/shape"
)

// Token estimation heuristics. The base follows the usual ~4 characters per
// token rule; the multiplier penalizes structure that inflates output:
// nesting beyond two levels, every array, and property counts past five.
const (
	charsPerToken      = 4
	depthGraceLevel    = 2
	depthWeight        = 0.5
	arrayWeight        = 0.3
	propertyGraceCount = 5
	propertyWeight     = 0.05
)

// EstimateTokensPerItem estimates how many output tokens one generated item
// of the given shape costs. Always returns at least 1 and never fails:
// malformed or empty shapes degrade to a flat-object estimate with
// multiplier 1.0.
func EstimateTokensPerItem(d shape.Descriptor) int {
	attrs := d.Attributes()

	base := float64(attrs.SerializedLength) / charsPerToken

	multiplier := 1.0
	if d.Valid() {
		multiplier += depthWeight * float64(max(0, attrs.Depth-depthGraceLevel))
		multiplier += arrayWeight * float64(attrs.ArrayCount)
		multiplier += propertyWeight * float64(max(0, attrs.PropertyCount-propertyGraceCount))
	}

	tokens := int(math.Ceil(base * multiplier))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
