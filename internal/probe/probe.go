// Package probe composes format readers, the classifier and the factory into
// a single all-or-nothing operation per artifact.
package probe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"modelprobe/internal/classify"
	"modelprobe/internal/factory"
	"modelprobe/internal/formats"
	"modelprobe/internal/identity"
	"modelprobe/pkg/types"
)

// UnrecognizedFormatError reports that no reader matched the artifact.
type UnrecognizedFormatError struct{ Path string }

func (e *UnrecognizedFormatError) Error() string { return "unrecognized model format: " + e.Path }

// IsUnrecognizedFormatError reports whether err is or wraps an UnrecognizedFormatError.
func IsUnrecognizedFormatError(err error) bool {
	var ue *UnrecognizedFormatError
	return errors.As(err, &ue)
}

// Config wires a Prober. Nil collaborators get defaults built on Fs.
type Config struct {
	Fs         afero.Fs
	Registry   *formats.Registry
	Classifier *classify.Classifier
	Hasher     *identity.Hasher
	// Used only when Registry or Hasher is nil.
	Limits formats.Limits
	Hash   identity.Options
	// The zero Logger discards everything.
	Logger zerolog.Logger
}

// Prober turns a path into a configuration record.
type Prober struct {
	fs  afero.Fs
	reg *formats.Registry
	cls *classify.Classifier
	h   *identity.Hasher
	log zerolog.Logger
}

// New builds a Prober, filling defaults for missing collaborators.
func New(cfg Config) (*Prober, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Registry == nil {
		cfg.Registry = formats.NewRegistry(cfg.Fs, cfg.Limits, cfg.Logger)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New()
	}
	if cfg.Hasher == nil {
		h, err := identity.New(cfg.Fs, cfg.Hash)
		if err != nil {
			return nil, err
		}
		cfg.Hasher = h
	}
	return &Prober{fs: cfg.Fs, reg: cfg.Registry, cls: cfg.Classifier, h: cfg.Hasher, log: cfg.Logger}, nil
}

// Fs returns the filesystem the prober reads.
func (p *Prober) Fs() afero.Fs { return p.fs }

// Select runs the readers on path and returns the winning match.
func (p *Prober) Select(path string) (formats.Match, bool) { return p.reg.Select(path) }

// Probe classifies the artifact at path. It returns a complete record or one
// of UnrecognizedFormatError, classify.ClassificationError,
// factory.InvalidModelConfigError or a wrapped filesystem error.
func (p *Prober) Probe(ctx context.Context, path string) (types.AnyModelConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := p.fs.Stat(path); err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	m, ok := p.reg.Select(path)
	if !ok {
		observe(types.ModelFormat(""), resultUnrecognized, 0)
		return nil, &UnrecognizedFormatError{Path: path}
	}
	return p.ProbeMatch(ctx, path, m)
}

// ProbeMatch finishes a probe for a match already returned by Select.
func (p *Prober) ProbeMatch(ctx context.Context, path string, m formats.Match) (cfg types.AnyModelConfig, err error) {
	start := time.Now()
	defer func() { observe(m.Hints.Format, resultOf(err), time.Since(start)) }()

	res, err := p.cls.Classify(m.Hints, path)
	if err != nil {
		return nil, err
	}
	m.Fingerprint, err = p.h.Digest(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	cfg, err = factory.Build(path, res, m)
	if err != nil {
		return nil, err
	}
	if err := p.checkSubModels(path, cfg); err != nil {
		return nil, err
	}
	p.log.Debug().
		Str("path", path).
		Str("reader", m.Reader).
		Str("tag", cfg.Tag().String()).
		Str("base", string(res.Base)).
		Interface("sources", res.Sources).
		Msg("probed")
	return cfg, nil
}

// checkSubModels verifies that every component a record names exists, so the
// loader finds the layout the record describes.
func (p *Prober) checkSubModels(path string, cfg types.AnyModelConfig) error {
	for name, rel := range types.SubModelsOf(cfg) {
		if _, err := p.fs.Stat(filepath.Join(path, filepath.FromSlash(rel))); err != nil {
			return &factory.InvalidModelConfigError{
				Path:   path,
				Tag:    cfg.Tag(),
				Reason: fmt.Sprintf("submodel %s not found at %s", name, rel),
			}
		}
	}
	return nil
}
