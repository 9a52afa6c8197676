// Package search walks storage roots, probes every candidate artifact and
// reports each outcome as a lazily produced item.
package search

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"modelprobe/internal/formats"
	"modelprobe/internal/probe"
	"modelprobe/pkg/types"
)

// Item is the outcome for one candidate: a record or an error.
type Item struct {
	Path   string
	Config types.AnyModelConfig
	Err    error
}

// DuplicateModelError reports an artifact whose content identifier was
// already yielded earlier in the same search.
type DuplicateModelError struct {
	Path      string
	Hash      string
	FirstPath string
}

func (e *DuplicateModelError) Error() string {
	return fmt.Sprintf("duplicate model %s: same content (%s) as %s", e.Path, e.Hash, e.FirstPath)
}

// IsDuplicateModelError reports whether err is or wraps a DuplicateModelError.
func IsDuplicateModelError(err error) bool {
	var de *DuplicateModelError
	return errors.As(err, &de)
}

// Config wires a Searcher.
type Config struct {
	Prober    *probe.Prober
	Publisher EventPublisher
	Logger    zerolog.Logger
}

// Searcher runs searches. It holds no per-search state, so one Searcher may
// serve concurrent searches; each search owns its dedup set.
type Searcher struct {
	p   *probe.Prober
	fs  afero.Fs
	pub EventPublisher
	log zerolog.Logger
}

func New(cfg Config) *Searcher {
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	return &Searcher{p: cfg.Prober, fs: cfg.Prober.Fs(), pub: pub, log: cfg.Logger}
}

// Search walks roots depth-first in order. Breaking out of the range loop or
// cancelling ctx stops the traversal. Every failure, including duplicates,
// is reported on its item and the walk continues.
func (s *Searcher) Search(ctx context.Context, roots []string, rules Rules) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		m, err := rules.compile()
		if err != nil {
			yield(Item{Err: err})
			return
		}
		w := &walk{
			s:     s,
			ctx:   ctx,
			rules: rules,
			m:     m,
			seen:  map[string]string{},
			yield: yield,
		}
		for _, root := range roots {
			w.root = filepath.Clean(root)
			if !w.visitRoot() {
				return
			}
		}
	}
}

// walk is the state of one search.
type walk struct {
	s     *Searcher
	ctx   context.Context
	rules Rules
	m     *matcher
	root  string
	// seen maps content hashes to the first path that produced them.
	seen  map[string]string
	yield func(Item) bool
}

func (w *walk) visitRoot() bool {
	info, err := w.s.fs.Stat(w.root)
	if err != nil {
		return w.emit(Item{Path: w.root, Err: fmt.Errorf("search root: %w", err)}, outcomeError)
	}
	if !info.IsDir() {
		return w.candidate(w.root, nil)
	}
	return w.dir(w.root, 0, []os.FileInfo{info})
}

// dir visits a directory at depth below the root. ancestors guards against
// symlink cycles.
func (w *walk) dir(path string, depth int, ancestors []os.FileInfo) bool {
	if w.ctx.Err() != nil {
		return false
	}
	if m, ok := w.s.p.Select(path); ok && m.Kind == formats.KindBundle {
		if path != w.root && !w.m.included(filepath.Base(path), w.rel(path)) {
			return true
		}
		return w.candidate(path, &m)
	}
	if w.rules.MaxDepth > 0 && depth >= w.rules.MaxDepth {
		w.skip(path, "max depth")
		return true
	}
	entries, err := afero.ReadDir(w.s.fs, path)
	if err != nil {
		return w.emit(Item{Path: path, Err: fmt.Errorf("read dir: %w", err)}, outcomeError)
	}
	for _, e := range entries {
		if w.ctx.Err() != nil {
			return false
		}
		if !w.entry(filepath.Join(path, e.Name()), e, depth+1, ancestors) {
			return false
		}
	}
	return true
}

func (w *walk) entry(path string, info os.FileInfo, depth int, ancestors []os.FileInfo) bool {
	name, rel := info.Name(), w.rel(path)
	if w.m.excluded(name, rel) {
		w.skip(path, "excluded")
		return true
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if !w.rules.FollowSymlinks {
			w.skip(path, "symlink")
			return true
		}
		target, err := w.s.fs.Stat(path)
		if err != nil {
			return w.emit(Item{Path: path, Err: fmt.Errorf("resolve symlink: %w", err)}, outcomeError)
		}
		info = target
	}
	if strings.HasPrefix(name, ".") && !w.rules.IncludeHidden {
		w.skip(path, "hidden")
		return true
	}
	if info.IsDir() {
		for _, a := range ancestors {
			if os.SameFile(a, info) {
				w.skip(path, "symlink cycle")
				return true
			}
		}
		return w.dir(path, depth, append(ancestors[:len(ancestors):len(ancestors)], info))
	}
	if !info.Mode().IsRegular() || !w.m.candidateExt(name) || !w.m.included(name, rel) {
		return true
	}
	return w.candidate(path, nil)
}

// candidate probes one artifact. A bundle match from the directory walk is
// reused instead of sniffing the directory again.
func (w *walk) candidate(path string, m *formats.Match) bool {
	var (
		cfg types.AnyModelConfig
		err error
	)
	if m != nil {
		cfg, err = w.s.p.ProbeMatch(w.ctx, path, *m)
	} else {
		cfg, err = w.s.p.Probe(w.ctx, path)
	}
	if err != nil {
		if w.ctx.Err() != nil {
			return false
		}
		w.s.log.Warn().Err(err).Str("path", path).Msg("probe failed")
		w.s.pub.Publish(Event{Name: EventProbeFailed, Path: path, Fields: map[string]any{"error": err.Error()}})
		return w.emit(Item{Path: path, Err: err}, outcomeError)
	}
	hash := cfg.Common().Hash
	if first, dup := w.seen[hash]; dup {
		err := &DuplicateModelError{Path: path, Hash: hash, FirstPath: first}
		w.s.log.Info().Str("path", path).Str("first", first).Str("hash", hash).Msg("duplicate model")
		w.s.pub.Publish(Event{Name: EventModelDuplicate, Path: path, Fields: map[string]any{"hash": hash, "first_path": first}})
		return w.emit(Item{Path: path, Err: err}, outcomeDuplicate)
	}
	w.seen[hash] = path
	w.s.pub.Publish(Event{Name: EventModelFound, Path: path, Fields: map[string]any{
		"key": cfg.Common().Key, "tag": cfg.Tag().String(), "base": string(cfg.Common().Base),
	}})
	return w.emit(Item{Path: path, Config: cfg}, outcomeOK)
}

func (w *walk) emit(it Item, outcome string) bool {
	searchItemsTotal.WithLabelValues(outcome).Inc()
	return w.yield(it)
}

func (w *walk) skip(path, reason string) {
	w.s.log.Debug().Str("path", path).Str("reason", reason).Msg("path skipped")
	w.s.pub.Publish(Event{Name: EventPathSkipped, Path: path, Fields: map[string]any{"reason": reason}})
}

func (w *walk) rel(path string) string {
	r, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}
