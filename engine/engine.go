// Package engine routes a payload request to exactly one production path:
// the chunk orchestrator when the plan needs more than one backend call, the
// variant cache when the request asks for cached variants, or a direct
// single generation otherwise. The routing decision is made once, after
// planning, before any backend call. Orchestrated and cached paths never
// mix: a cached variant must be one complete, consistently shaped response,
// and chunk fragments are not that.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mirage-ai/mirage/cache"
	"github.com/mirage-ai/mirage/chunk"
	"github.com/mirage-ai/mirage/generate"
	"github.com/mirage-ai/mirage/shape"
)

// ErrInvalidRequest marks errors caused by the caller's input rather than
// the backend. Transports map it to a 4xx status.
var ErrInvalidRequest = errors.New("invalid request")

// Source identifies which path produced a response.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceChunked   Source = "chunked"
	SourceCache     Source = "cache"
)

// Config carries the engine's planning knobs.
type Config struct {
	Plan chunk.PlanConfig
	// DefaultCount is the item count used when neither the request nor the
	// shape specifies one.
	DefaultCount int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Plan:         chunk.DefaultPlanConfig(),
		DefaultCount: 10,
	}
}

// Request is one payload request after transport-level parsing. Count,
// NoChunk, CacheVariants, and Priority override the corresponding in-shape
// directives when set.
type Request struct {
	Method string
	Path   string
	Shape  shape.Descriptor

	Count         int
	NoChunk       bool
	CacheVariants int
	Priority      string
}

// Response is the produced payload plus routing metadata.
type Response struct {
	JSON   string
	Source Source
	Meta   chunk.Metadata
}

// Engine wires the generator, orchestrator, and cache behind a single
// Respond operation.
type Engine struct {
	orch   *chunk.Orchestrator
	store  *cache.Store
	cfg    Config
	events chunk.EventSink
}

// New creates an engine. The store may be nil, in which case cache
// directives are ignored and every request is generated fresh.
func New(gen generate.Generator, store *cache.Store, cfg Config) *Engine {
	if cfg.DefaultCount <= 0 {
		cfg.DefaultCount = DefaultConfig().DefaultCount
	}
	return &Engine{
		orch:   chunk.NewOrchestrator(gen),
		store:  store,
		cfg:    cfg,
		events: chunk.NopSink{},
	}
}

// WithEvents sets the sink for planning and chunk progress events.
func (e *Engine) WithEvents(sink chunk.EventSink) *Engine {
	if sink != nil {
		e.orch = e.orch.WithEvents(sink)
		e.events = sink
	}
	return e
}

// WithParseRetries sets the orchestrator's per-chunk parse retry limit.
func (e *Engine) WithParseRetries(n int) *Engine {
	e.orch = e.orch.WithParseRetries(n)
	return e
}

// Respond produces a payload for req.
func (e *Engine) Respond(ctx context.Context, req Request) (Response, error) {
	dirs, stripped := shape.ExtractDirectives(req.Shape)

	count := req.Count
	if count <= 0 {
		count = stripped.ItemCount()
	}
	if count <= 0 {
		count = e.cfg.DefaultCount
	}

	noChunk := req.NoChunk || dirs.NoChunk
	variants := req.CacheVariants
	if variants <= 0 {
		variants = dirs.CacheVariants
	}
	prioName := req.Priority
	if prioName == "" {
		prioName = dirs.Priority
	}
	priority, err := cache.ParsePriority(prioName)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	tokensPerItem := chunk.EstimateTokensPerItem(stripped)
	planCfg := e.cfg.Plan
	planCfg.Disabled = noChunk
	plan := chunk.BuildPlan(count, tokensPerItem, planCfg)
	e.events.Emit(chunk.Event{
		Type:          chunk.EventPlanned,
		ChunkCount:    plan.ChunkCount(),
		ItemsPerChunk: plan.ItemsPerChunk,
		TokensPerItem: tokensPerItem,
		TotalItems:    plan.EffectiveTotal,
		Capped:        plan.Capped,
	})

	// Route exactly one way: multi-chunk orchestration wins over caching.
	if plan.ChunkCount() > 1 {
		return e.orchestrate(ctx, plan, stripped)
	}
	if variants > 0 && e.store != nil {
		return e.fromCache(ctx, req, stripped, plan, variants, priority)
	}
	resp, err := e.orchestrate(ctx, plan, stripped)
	resp.Source = SourceGenerated
	return resp, err
}

func (e *Engine) orchestrate(ctx context.Context, plan chunk.Plan, shp shape.Descriptor) (Response, error) {
	res, err := e.orch.Execute(ctx, plan, shp)
	if err != nil {
		return Response{}, err
	}
	return Response{JSON: res.JSON, Source: SourceChunked, Meta: res.Meta}, nil
}

func (e *Engine) fromCache(ctx context.Context, req Request, shp shape.Descriptor, plan chunk.Plan, variants int, priority cache.Priority) (Response, error) {
	key := cache.NewKey(req.Method, req.Path, shp)
	v, err := e.store.GetOrFetch(ctx, key, variants, priority, func(ctx context.Context) (string, error) {
		res, err := e.orch.Execute(ctx, plan, shp)
		if err != nil {
			return "", err
		}
		return res.JSON, nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("cache fetch for %s %s: %w", req.Method, req.Path, err)
	}
	return Response{
		JSON:   v,
		Source: SourceCache,
		Meta: chunk.Metadata{
			ChunkCount:    plan.ChunkCount(),
			ItemsPerChunk: plan.ItemsPerChunk,
			TotalItems:    plan.EffectiveTotal,
			Capped:        plan.Capped,
		},
	}, nil
}

// PlanPreview runs estimation and planning for shp without generating
// anything. Used by the plan CLI command and the dry-run endpoint.
func (e *Engine) PlanPreview(shp shape.Descriptor, count int, noChunk bool) (chunk.Plan, int) {
	_, stripped := shape.ExtractDirectives(shp)
	if count <= 0 {
		count = stripped.ItemCount()
	}
	if count <= 0 {
		count = e.cfg.DefaultCount
	}
	tokensPerItem := chunk.EstimateTokensPerItem(stripped)
	planCfg := e.cfg.Plan
	planCfg.Disabled = noChunk
	return chunk.BuildPlan(count, tokensPerItem, planCfg), tokensPerItem
}

// CacheStats reports cache occupancy, or a zero value when no store is
// configured.
func (e *Engine) CacheStats() cache.Stats {
	if e.store == nil {
		return cache.Stats{}
	}
	return e.store.Stats()
}

// ClearCache drops every cached variant.
func (e *Engine) ClearCache() {
	if e.store != nil {
		e.store.Clear()
	}
}
