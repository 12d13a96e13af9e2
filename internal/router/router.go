// Package router resolves pipeline tasks to routed artifact contexts.
// Required paths come from a fixed in-code table, content is served
// through the injected cache with the artifact store as fallback, and a
// static cost estimate is checked against the routing budget before any
// artifact is loaded. The router never retries; transient handling
// belongs to the orchestrator.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/forgeworks/specforge/internal/artifact"
	"github.com/forgeworks/specforge/internal/audit"
	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/cache"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/fault"
	"github.com/forgeworks/specforge/internal/otel"
	"github.com/forgeworks/specforge/internal/pricing"
)

// cacheKeyPrefix namespaces routed content in the shared cache so the
// artifact watcher can invalidate it without touching other entries.
const cacheKeyPrefix = "artifact:"

// Artifact is one loaded, shape-checked context entry.
type Artifact struct {
	Path  string
	Shape Shape
	Bytes []byte
	Text  string         // set when Shape is ShapeText
	JSON  map[string]any // set when Shape is ShapeJSON
}

// Metadata describes how a Context was assembled.
type Metadata struct {
	Task            Task          `json:"task"`
	FilesLoaded     []string      `json:"files_loaded"`
	EstimatedTokens int64         `json:"estimated_tokens"`
	EstimatedBytes  int64         `json:"estimated_bytes"`
	EstimatedUSD    float64       `json:"estimated_usd"`
	CacheHits       int           `json:"cache_hits"`
	CacheMisses     int           `json:"cache_misses"`
	CreatedAt       time.Time     `json:"created_at"`
	Duration        time.Duration `json:"duration"`
}

// Context is the routed artifact bundle handed to one pipeline stage.
// Artifacts are keyed by the stable keys of the routing table.
type Context struct {
	Meta      Metadata
	Artifacts map[string]Artifact
}

// Has reports whether an artifact was loaded under key. Optional
// artifacts absent from the corpus are not present.
func (c *Context) Has(key string) bool {
	_, ok := c.Artifacts[key]
	return ok
}

// Text returns the text content under key, or "" when absent or not a
// text artifact.
func (c *Context) Text(key string) string {
	return c.Artifacts[key].Text
}

// JSON returns the parsed JSON content under key, or nil when absent or
// not a JSON artifact.
func (c *Context) JSON(key string) map[string]any {
	return c.Artifacts[key].JSON
}

// Options carries the optional collaborators of a Router. Zero values
// disable the corresponding output.
type Options struct {
	// PricingModel prices routed tokens for the advisory USD figure.
	// Unknown or empty models price at zero.
	PricingModel string
	Metrics      *otel.Metrics
	Bus          *bus.Bus
}

// Router loads stage contexts. Safe for concurrent use; all state lives
// in the injected cache and store.
type Router struct {
	store   artifact.Store
	cache   *cache.Cache
	budget  config.BudgetConfig
	model   string
	metrics *otel.Metrics
	events  *bus.Bus
}

func New(store artifact.Store, c *cache.Cache, budget config.BudgetConfig, opts Options) *Router {
	return &Router{
		store:   store,
		cache:   c,
		budget:  budget,
		model:   opts.PricingModel,
		metrics: opts.Metrics,
		events:  opts.Bus,
	}
}

// Route resolves, budget-checks, loads and deserializes the artifact set
// for a task. The budget verdict depends only on the resolved path list,
// so over-budget tasks are rejected before the store or cache is
// touched. No partial context is ever returned.
func (r *Router) Route(ctx context.Context, task Task, params Params) (*Context, error) {
	start := time.Now()

	resolved, err := pathsFor(task, params)
	if err != nil {
		return nil, err
	}
	cost := costOf(resolved)
	if err := r.checkBudget(ctx, task, params, cost); err != nil {
		return nil, err
	}

	artifacts := make(map[string]Artifact, len(resolved))
	loaded := make([]string, 0, len(resolved))
	fromCache := make([]string, 0, len(resolved))
	var hits, misses int
	for _, rp := range resolved {
		data, cached, err := r.load(ctx, rp.Path)
		if err != nil {
			if rp.Optional && errors.Is(err, artifact.ErrNotFound) {
				slog.Debug("optional artifact absent", "task", task, "path", rp.Path)
				continue
			}
			return nil, fault.Fatal("route:"+string(task), err)
		}
		if cached {
			hits++
			fromCache = append(fromCache, rp.Path)
		} else {
			misses++
		}
		art, err := deserialize(rp, data)
		if err != nil {
			return nil, fault.Fatal("route:"+string(task), err)
		}
		artifacts[rp.Key] = art
		loaded = append(loaded, rp.Path)
	}

	usd := pricing.ContextCost(r.model, cost.Tokens)
	meta := Metadata{
		Task:            task,
		FilesLoaded:     loaded,
		EstimatedTokens: cost.Tokens,
		EstimatedBytes:  cost.Bytes,
		EstimatedUSD:    usd,
		CacheHits:       hits,
		CacheMisses:     misses,
		CreatedAt:       time.Now().UTC(),
		Duration:        time.Since(start),
	}

	if r.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrTask.String(string(task)))
		r.metrics.RouteCostTokens.Record(ctx, cost.Tokens, attrs)
		if hits > 0 {
			r.metrics.CacheHits.Add(ctx, int64(hits), attrs)
		}
		if misses > 0 {
			r.metrics.CacheMisses.Add(ctx, int64(misses), attrs)
		}
	}

	slog.Info("routing decision",
		"task", task,
		"build_id", params.BuildID,
		"files", loaded,
		"cost_tokens", cost.Tokens,
		"cost_bytes", cost.Bytes,
		"cost_usd", usd,
		"breakdown", cost.PerPathTokens,
		"cache_hits", hits,
		"cache_misses", misses,
		"from_cache", fromCache,
		"duration_ms", meta.Duration.Milliseconds(),
	)

	return &Context{Meta: meta, Artifacts: artifacts}, nil
}

// checkBudget compares the static cost against the configured budget.
// Thresholds are checked in a fixed order so the named metric is
// deterministic when several are exceeded at once.
func (r *Router) checkBudget(ctx context.Context, task Task, params Params, cost Cost) error {
	var name string
	var total, limit int64
	switch {
	case cost.Tokens > r.budget.MaxCostTokens:
		name, total, limit = "cost_tokens", cost.Tokens, r.budget.MaxCostTokens
	case cost.Files > r.budget.MaxFiles:
		name, total, limit = "files", int64(cost.Files), int64(r.budget.MaxFiles)
	case cost.Bytes > r.budget.MaxBytes:
		name, total, limit = "bytes", cost.Bytes, r.budget.MaxBytes
	default:
		return nil
	}

	berr := &fault.BudgetExceeded{Metric: name, Total: total, Limit: limit, Files: cost.Paths}
	audit.Record("deny", "route:"+string(task), berr.Error(), "", params.BuildID)
	if r.metrics != nil {
		r.metrics.BudgetRejects.Add(ctx, 1, metric.WithAttributes(
			otel.AttrTask.String(string(task)),
			attribute.String("metric", name),
		))
	}
	if r.events != nil {
		r.events.Publish(bus.TopicBudgetExceeded, bus.BudgetExceededEvent{
			BuildID: params.BuildID,
			Task:    string(task),
			Metric:  name,
			Total:   total,
			Limit:   limit,
			Files:   cost.Paths,
		})
	}
	slog.Warn("route over budget",
		"task", task,
		"build_id", params.BuildID,
		"metric", name,
		"total", total,
		"limit", limit,
		"files", cost.Paths,
	)
	return berr
}

// load serves a path from the cache, falling back to the store and
// populating the cache on miss.
func (r *Router) load(ctx context.Context, path string) (data []byte, cached bool, err error) {
	key := cacheKeyPrefix + path
	if data, ok := r.cache.Get(key); ok {
		return data, true, nil
	}
	data, err = r.store.Get(ctx, path)
	if err != nil {
		return nil, false, err
	}
	r.cache.Set(key, data)
	return data, false, nil
}

// deserialize checks content against the declared shape of its table
// row. A JSON artifact that does not parse is corpus corruption, not a
// build problem.
func deserialize(rp resolvedPath, data []byte) (Artifact, error) {
	art := Artifact{Path: rp.Path, Shape: rp.Shape, Bytes: data}
	switch rp.Shape {
	case ShapeJSON:
		var parsed map[string]any
		if err := json.Unmarshal(data, &parsed); err != nil {
			return Artifact{}, fmt.Errorf("artifact %s is not valid JSON: %w", rp.Path, err)
		}
		art.JSON = parsed
	default:
		art.Text = string(data)
	}
	return art, nil
}
