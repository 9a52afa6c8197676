package httpapi

import (
	"context"
	"iter"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"

	"modelprobe/internal/common/fsutil"
	"modelprobe/internal/probe"
	"modelprobe/internal/registry"
	"modelprobe/internal/search"
	"modelprobe/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Probe(ctx context.Context, path string) (types.AnyModelConfig, error)
	Search(ctx context.Context, req types.SearchRequest) (iter.Seq[search.Item], error)
	ListModels() []types.AnyModelConfig
	GetModel(id string) (types.AnyModelConfig, bool)
	Ready() bool
}

// badRequestError is a request the engine refuses before doing any work.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string   { return e.msg }
func (e badRequestError) StatusCode() int { return http.StatusBadRequest }

// EngineConfig wires an Engine.
type EngineConfig struct {
	Prober   *probe.Prober
	Searcher *search.Searcher
	Catalog  *registry.Catalog
	// Roots are scanned by Warm and used by searches that name none.
	Roots []string
	// Rules are the defaults a search request overrides field by field.
	Rules  search.Rules
	Logger zerolog.Logger
}

// Engine implements Service on top of the prober, the searcher and the
// catalog. Every record it produces is upserted into the catalog.
type Engine struct {
	prober   *probe.Prober
	searcher *search.Searcher
	catalog  *registry.Catalog
	roots    []string
	rules    search.Rules
	log      zerolog.Logger
	ready    atomic.Bool
}

// NewEngine builds an Engine. It reports ready at once when there are no
// roots to warm.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		prober:   cfg.Prober,
		searcher: cfg.Searcher,
		catalog:  cfg.Catalog,
		roots:    append([]string(nil), cfg.Roots...),
		rules:    cfg.Rules,
		log:      cfg.Logger,
	}
	if e.searcher == nil {
		e.searcher = search.New(search.Config{Prober: cfg.Prober, Logger: cfg.Logger})
	}
	if e.catalog == nil {
		e.catalog = registry.NewCatalog(cfg.Logger)
	}
	e.ready.Store(len(e.roots) == 0)
	return e
}

// Warm loads the configured roots into the catalog and marks the engine ready.
func (e *Engine) Warm(ctx context.Context) (registry.Summary, error) {
	defer e.ready.Store(true)
	sum, err := registry.LoadDir(ctx, e.catalog, e.searcher, e.prober.Fs(), e.roots, e.rules)
	if err != nil {
		return sum, err
	}
	e.log.Info().Int("found", sum.Found).Int("duplicates", sum.Duplicates).Int("failed", len(sum.Failed)).Msg("catalog warmed")
	return sum, nil
}

func (e *Engine) Ready() bool { return e.ready.Load() }

func (e *Engine) ListModels() []types.AnyModelConfig { return e.catalog.List() }

func (e *Engine) GetModel(id string) (types.AnyModelConfig, bool) { return e.catalog.Get(id) }

func (e *Engine) Probe(ctx context.Context, path string) (types.AnyModelConfig, error) {
	abs, err := fsutil.ResolvePath(e.prober.Fs(), path)
	if err != nil {
		return nil, badRequestError{msg: "path: " + err.Error()}
	}
	cfg, err := e.prober.Probe(ctx, abs)
	if err != nil {
		return nil, err
	}
	e.catalog.Upsert(cfg)
	return cfg, nil
}

func (e *Engine) Search(ctx context.Context, req types.SearchRequest) (iter.Seq[search.Item], error) {
	rules := e.requestRules(req)
	if err := rules.Validate(); err != nil {
		return nil, badRequestError{msg: err.Error()}
	}
	roots := req.Roots
	if len(roots) == 0 {
		roots = e.roots
	}
	if len(roots) == 0 {
		return nil, badRequestError{msg: "roots are required"}
	}
	abs, err := fsutil.ResolveRoots(e.prober.Fs(), roots)
	if err != nil {
		return nil, badRequestError{msg: "roots: " + err.Error()}
	}
	return func(yield func(search.Item) bool) {
		for it := range e.searcher.Search(ctx, abs, rules) {
			if it.Err == nil {
				e.catalog.Upsert(it.Config)
			}
			if !yield(it) {
				return
			}
		}
	}, nil
}

// requestRules overlays the non-empty request fields on the defaults.
func (e *Engine) requestRules(req types.SearchRequest) search.Rules {
	r := e.rules
	if len(req.Include) > 0 {
		r.Include = req.Include
	}
	if len(req.Exclude) > 0 {
		r.Exclude = req.Exclude
	}
	if len(req.Extensions) > 0 {
		r.Extensions = req.Extensions
	}
	if req.FollowSymlinks {
		r.FollowSymlinks = true
	}
	if req.MaxDepth > 0 {
		r.MaxDepth = req.MaxDepth
	}
	return r
}
