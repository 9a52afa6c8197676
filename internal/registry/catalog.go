// Package registry is an in-memory catalog of configuration records keyed by
// their content-derived identifier.
package registry

import (
	"cmp"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"modelprobe/pkg/types"
)

// Catalog stores records by key. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	byKey  map[string]types.AnyModelConfig
	byHash map[string]string
	log    zerolog.Logger
}

func NewCatalog(log zerolog.Logger) *Catalog {
	return &Catalog{
		byKey:  map[string]types.AnyModelConfig{},
		byHash: map[string]string{},
		log:    log,
	}
}

// Upsert stores cfg, replacing any record with the same key. It reports
// whether a record was replaced.
func (c *Catalog) Upsert(cfg types.AnyModelConfig) bool {
	b := cfg.Common()
	c.mu.Lock()
	defer c.mu.Unlock()
	old, replaced := c.byKey[b.Key]
	c.byKey[b.Key] = cfg
	c.byHash[b.Hash] = b.Key
	if replaced && old.Common().Path != b.Path {
		c.log.Info().Str("key", b.Key).Str("old_path", old.Common().Path).Str("path", b.Path).Msg("catalog entry moved")
	}
	return replaced
}

// Get looks a record up by key or by content hash.
func (c *Catalog) Get(id string) (types.AnyModelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cfg, ok := c.byKey[id]; ok {
		return cfg, true
	}
	if key, ok := c.byHash[id]; ok {
		cfg, ok := c.byKey[key]
		return cfg, ok
	}
	return nil, false
}

// List returns every record ordered by path, then key.
func (c *Catalog) List() []types.AnyModelConfig {
	c.mu.RLock()
	out := make([]types.AnyModelConfig, 0, len(c.byKey))
	for _, cfg := range c.byKey {
		out = append(out, cfg)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b types.AnyModelConfig) int {
		if n := cmp.Compare(a.Common().Path, b.Common().Path); n != 0 {
			return n
		}
		return cmp.Compare(a.Common().Key, b.Common().Key)
	})
	return out
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
