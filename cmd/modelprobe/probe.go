package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"modelprobe/internal/common/fsutil"
	"modelprobe/internal/httpapi"
	"modelprobe/internal/probe"
	"modelprobe/pkg/types"
)

func newProbeCmd(o *options) *cobra.Command {
	var pretty bool
	cmd := &cobra.Command{
		Use:     "probe PATH...",
		Short:   "Classify files or bundle directories and print their records",
		Example: "  modelprobe probe ~/models/sd/v1-5-pruned-emaonly.safetensors\n  modelprobe probe --pretty ~/models/sdxl-base",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := o.newProber()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if pretty {
				enc.SetIndent("", "  ")
			}
			failed := 0
			for _, arg := range args {
				rec, err := probeArg(cmd.Context(), p, o.fs, arg)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v [%s]\n", arg, err, httpapi.ErrorKind(err))
					continue
				}
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			if failed > 0 {
				return &exitError{code: 2, msg: fmt.Sprintf("%d of %d artifacts failed", failed, len(args))}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Indent JSON output")
	return cmd
}

func probeArg(ctx context.Context, p *probe.Prober, fs afero.Fs, arg string) (types.AnyModelConfig, error) {
	path, err := fsutil.ResolvePath(fs, arg)
	if err != nil {
		return nil, err
	}
	return p.Probe(ctx, path)
}
