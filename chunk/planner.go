// Chunk planner: divides a requested item count into token-budgeted chunks.
// Pure arithmetic, no error conditions - degenerate inputs yield an empty
// plan.

package chunk

// PlanConfig holds the budget parameters the planner divides against.
type PlanConfig struct {
	// MaxOutputTokens is the backend's hard output-token budget per call.
	MaxOutputTokens int
	// OutputReserveRatio is the fraction of the budget usable for payload;
	// the rest is reserved for structural overhead.
	OutputReserveRatio float64
	// MaxItemsCap is the upper bound on items per request. Requests above it
	// are capped and the caller is told so it can emit a warning.
	MaxItemsCap int
	// Disabled forces a single-chunk plan regardless of budget.
	Disabled bool
}

// DefaultPlanConfig returns the default budget configuration.
func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		MaxOutputTokens:    2048,
		OutputReserveRatio: 0.75,
		MaxItemsCap:        250,
	}
}

// Plan is the chunking decision for one request. Created fresh per request
// and never mutated afterwards.
type Plan struct {
	// TotalRequested is the caller's original item count.
	TotalRequested int
	// EffectiveTotal is the count after applying MaxItemsCap.
	EffectiveTotal int
	// ItemsPerChunk is how many items fit one backend call.
	ItemsPerChunk int
	// ChunkSizes is the per-chunk item count; the sizes sum to
	// EffectiveTotal and every size is >= 1.
	ChunkSizes []int
	// Capped reports whether TotalRequested exceeded MaxItemsCap.
	Capped bool
}

// ChunkCount returns the number of chunks in the plan.
func (p Plan) ChunkCount() int {
	return len(p.ChunkSizes)
}

// SingleChunk reports whether the plan needs no orchestration.
func (p Plan) SingleChunk() bool {
	return len(p.ChunkSizes) <= 1
}

// ItemRange returns the 1-based inclusive item range covered by chunk i.
func (p Plan) ItemRange(i int) (from, to int) {
	from = 1
	for j := 0; j < i; j++ {
		from += p.ChunkSizes[j]
	}
	return from, from + p.ChunkSizes[i] - 1
}

// BuildPlan computes the chunk plan for requestedCount items at
// tokensPerItem each. requestedCount <= 0 yields an empty plan.
func BuildPlan(requestedCount, tokensPerItem int, cfg PlanConfig) Plan {
	if requestedCount <= 0 {
		return Plan{TotalRequested: requestedCount}
	}
	if tokensPerItem < 1 {
		tokensPerItem = 1
	}

	effectiveTotal := requestedCount
	capped := false
	if cfg.MaxItemsCap > 0 && effectiveTotal > cfg.MaxItemsCap {
		effectiveTotal = cfg.MaxItemsCap
		capped = true
	}

	availableTokens := int(float64(cfg.MaxOutputTokens) * cfg.OutputReserveRatio)
	itemsPerChunk := availableTokens / tokensPerItem
	if itemsPerChunk < 1 {
		itemsPerChunk = 1
	}

	plan := Plan{
		TotalRequested: requestedCount,
		EffectiveTotal: effectiveTotal,
		ItemsPerChunk:  itemsPerChunk,
		Capped:         capped,
	}

	if cfg.Disabled || itemsPerChunk >= effectiveTotal {
		plan.ChunkSizes = []int{effectiveTotal}
		return plan
	}

	chunkCount := (effectiveTotal + itemsPerChunk - 1) / itemsPerChunk
	sizes := make([]int, chunkCount)
	for i := 0; i < chunkCount-1; i++ {
		sizes[i] = itemsPerChunk
	}
	// The remainder is guaranteed >= 1 by the ceiling division above.
	sizes[chunkCount-1] = effectiveTotal - itemsPerChunk*(chunkCount-1)
	plan.ChunkSizes = sizes

	return plan
}
