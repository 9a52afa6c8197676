package registry

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"modelprobe/internal/common/fsutil"
	"modelprobe/internal/search"
)

// Summary counts the outcomes of a LoadDir run.
type Summary struct {
	Found      int
	Duplicates int
	// Failed holds every item that was neither a record nor a duplicate.
	Failed []search.Item
}

// LoadDir searches roots and upserts every record into the catalog. Roots
// may start with '~'. Per-item failures are collected, not returned.
func LoadDir(ctx context.Context, c *Catalog, s *search.Searcher, fs afero.Fs, roots []string, rules search.Rules) (Summary, error) {
	var sum Summary
	abs, err := fsutil.ResolveRoots(fs, roots)
	if err != nil {
		return sum, err
	}
	if err := rules.Validate(); err != nil {
		return sum, fmt.Errorf("search rules: %w", err)
	}
	for it := range s.Search(ctx, abs, rules) {
		switch {
		case it.Err == nil:
			c.Upsert(it.Config)
			sum.Found++
		case search.IsDuplicateModelError(it.Err):
			sum.Duplicates++
		default:
			sum.Failed = append(sum.Failed, it)
		}
	}
	return sum, ctx.Err()
}
