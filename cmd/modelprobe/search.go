package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"modelprobe/internal/common/fsutil"
	"modelprobe/internal/httpapi"
	"modelprobe/internal/search"
)

func newSearchCmd(o *options) *cobra.Command {
	var (
		include, exclude, exts []string
		follow, onlyModels     bool
		maxDepth               int
	)
	cmd := &cobra.Command{
		Use:   "search [ROOT...]",
		Short: "Walk roots and print one NDJSON line per candidate artifact",
		Long: "Walk roots and print one NDJSON line per candidate artifact. Without ROOT the\n" +
			"configured roots (config file or MODELPROBE_ROOTS) are searched.",
		Example: "  modelprobe search ~/models\n  modelprobe search --exclude '.cache' --max-depth 3 /srv/models",
		RunE: func(cmd *cobra.Command, args []string) error {
			roots := args
			if len(roots) == 0 {
				roots = o.cfg.Roots
			}
			if len(roots) == 0 {
				return errors.New("search requires at least one root")
			}
			abs, err := fsutil.ResolveRoots(o.fs, roots)
			if err != nil {
				return err
			}
			rules := o.cfg.SearchRules()
			f := cmd.Flags()
			if f.Changed("include") {
				rules.Include = include
			}
			if f.Changed("exclude") {
				rules.Exclude = exclude
			}
			if f.Changed("ext") {
				rules.Extensions = exts
			}
			if f.Changed("follow-symlinks") {
				rules.FollowSymlinks = follow
			}
			if f.Changed("max-depth") {
				rules.MaxDepth = maxDepth
			}
			if err := rules.Validate(); err != nil {
				return err
			}

			p, err := o.newProber()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := search.New(search.Config{Prober: p, Logger: o.log})
			enc := json.NewEncoder(cmd.OutOrStdout())
			var found, dups, failed int
			for it := range s.Search(ctx, abs, rules) {
				switch {
				case it.Err == nil:
					found++
				case search.IsDuplicateModelError(it.Err):
					dups++
				default:
					failed++
				}
				if onlyModels && it.Err != nil {
					continue
				}
				if err := enc.Encode(httpapi.ItemResponse(it)); err != nil {
					return err
				}
			}
			o.log.Info().Int("found", found).Int("duplicates", dups).Int("failed", failed).Msg("search done")
			return ctx.Err()
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&include, "include", nil, "Glob a candidate must match (repeatable)")
	f.StringSliceVar(&exclude, "exclude", nil, "Glob that skips files and prunes directories (repeatable)")
	f.StringSliceVar(&exts, "ext", nil, "Candidate file extensions, e.g. .safetensors,.gguf")
	f.BoolVar(&follow, "follow-symlinks", false, "Follow symbolic links")
	f.IntVar(&maxDepth, "max-depth", 0, "Maximum directory depth below each root (0 = unlimited)")
	f.BoolVar(&onlyModels, "models-only", false, "Print successful records only")
	return cmd
}
