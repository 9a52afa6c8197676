// Package formats holds the bounded-read inspectors that recognise model
// containers on disk and extract structural hints from their headers.
//
// Every reader reads headers or manifests only. A reader that cannot parse
// what it finds reports a non-match with a Reason; it never returns an error.
package formats

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"modelprobe/pkg/types"
)

// Confidence is how sure a reader is that it recognised the container.
type Confidence int

const (
	ConfidenceNone Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

// Kind orders readers when two report the same confidence. Lower wins.
type Kind int

const (
	KindBundle Kind = iota
	KindMagic
	KindSniffed
	KindExtension
)

func (k Kind) String() string {
	switch k {
	case KindBundle:
		return "bundle"
	case KindMagic:
		return "magic"
	case KindSniffed:
		return "sniffed"
	case KindExtension:
		return "extension"
	}
	return "unknown"
}

// Tensor is the header-level description of one stored tensor.
type Tensor struct {
	DType string
	Shape []int64
}

// Hints are the structural facts a reader extracted.
type Hints struct {
	// Container the reader recognised.
	Format types.ModelFormat
	// Bundle layout, empty for single files.
	Layout  Layout
	Tensors map[string]Tensor
	// Header metadata: safetensors __metadata__, GGUF KVs, ONNX metadata_props.
	Metadata map[string]string
	// Diffusers _class_name or the first transformers architecture.
	ClassName string
	// Relevant fields of the component config (unet/transformer config for pipelines).
	Config     map[string]any
	Components map[types.SubModelType]string
	// Raw prediction_type from a bundled scheduler config.
	SchedulerPrediction string
	Precision           string
	Declared            *Declaration
}

// HasKey reports whether a tensor with exactly this name exists.
func (h Hints) HasKey(name string) bool {
	_, ok := h.Tensors[name]
	return ok
}

// HasPrefix reports whether any tensor name starts with prefix.
func (h Hints) HasPrefix(prefix string) bool {
	for k := range h.Tensors {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Shape returns the shape of a tensor, if it is known.
func (h Hints) Shape(name string) ([]int64, bool) {
	t, ok := h.Tensors[name]
	if !ok || len(t.Shape) == 0 {
		return nil, false
	}
	return t.Shape, true
}

// LastDim returns the last dimension of the named tensor.
func (h Hints) LastDim(name string) (int64, bool) {
	s, ok := h.Shape(name)
	if !ok {
		return 0, false
	}
	return s[len(s)-1], true
}

// Keys returns tensor names in sorted order.
func (h Hints) Keys() []string {
	keys := make([]string, 0, len(h.Tensors))
	for k := range h.Tensors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Match is the outcome of sniffing one path with one reader.
type Match struct {
	Reader     string
	Kind       Kind
	Matched    bool
	Confidence Confidence
	Hints      Hints
	// Reason explains a non-match, or what a match had to ignore. Useful in
	// debug logs only.
	Reason string
	// Fingerprint is filled by the probe once the match is selected.
	Fingerprint digest.Digest
}

func noMatch(name string, kind Kind, reason string) Match {
	return Match{Reader: name, Kind: kind, Reason: reason}
}

// Reader inspects one container format.
type Reader interface {
	Name() string
	Kind() Kind
	Sniff(path string) Match
}

// Limits caps how much a reader may read.
type Limits struct {
	// Largest safetensors JSON header accepted.
	MaxHeaderBytes int64
	// Largest pickle stream decoded from a torch checkpoint.
	MaxPickleBytes int64
	// Largest JSON/YAML/TOML manifest read from a bundle or sidecar.
	MaxManifestBytes int64
	// Maximum protobuf fields visited in an ONNX file.
	MaxProtoFields int
}

// DefaultLimits are generous enough for SDXL/Flux headers.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes:   32 << 20,
		MaxPickleBytes:   32 << 20,
		MaxManifestBytes: 1 << 20,
		MaxProtoFields:   50_000,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxPickleBytes <= 0 {
		l.MaxPickleBytes = d.MaxPickleBytes
	}
	if l.MaxManifestBytes <= 0 {
		l.MaxManifestBytes = d.MaxManifestBytes
	}
	if l.MaxProtoFields <= 0 {
		l.MaxProtoFields = d.MaxProtoFields
	}
	return l
}

// DefaultReaders returns the built-in readers in registry order.
func DefaultReaders(fs afero.Fs, lim Limits) []Reader {
	lim = lim.withDefaults()
	st := NewSafetensorsReader(fs, lim)
	ck := NewCheckpointReader(fs, lim)
	return []Reader{
		NewBundleReader(fs, lim, st, ck),
		NewGGUFReader(fs),
		st,
		NewONNXReader(fs, lim),
		ck,
	}
}

// Registry is a caller-constructed ordered list of readers.
type Registry struct {
	fs      afero.Fs
	readers []Reader
	lim     Limits
	log     zerolog.Logger
}

// NewRegistry builds a registry. Passing no readers installs DefaultReaders.
func NewRegistry(fs afero.Fs, lim Limits, log zerolog.Logger, readers ...Reader) *Registry {
	lim = lim.withDefaults()
	if len(readers) == 0 {
		readers = DefaultReaders(fs, lim)
	}
	return &Registry{fs: fs, readers: readers, lim: lim, log: log}
}

// Readers returns the registered readers in order.
func (r *Registry) Readers() []Reader { return slices.Clone(r.readers) }

// Select runs every reader and keeps the best match: highest confidence,
// then reader kind (bundle > magic > sniffed > extension), then registry order.
func (r *Registry) Select(path string) (Match, bool) {
	best := Match{}
	bestIdx := -1
	for i, rd := range r.readers {
		m := rd.Sniff(path)
		if !m.Matched || m.Confidence <= ConfidenceNone {
			if m.Reason != "" {
				r.log.Debug().Str("reader", rd.Name()).Str("path", path).Str("reason", m.Reason).Msg("no match")
			}
			continue
		}
		m.Reader, m.Kind = rd.Name(), rd.Kind()
		if m.Reason != "" {
			r.log.Debug().Str("reader", rd.Name()).Str("path", path).Str("reason", m.Reason).Msg("matched with warnings")
		}
		if bestIdx < 0 || better(m, best) {
			best, bestIdx = m, i
		}
	}
	if bestIdx < 0 {
		return Match{}, false
	}
	if best.Kind != KindBundle && best.Hints.Declared == nil {
		d, src, err := sidecarDeclaration(r.fs, path, r.lim.MaxManifestBytes)
		switch {
		case err != nil:
			r.log.Debug().Err(err).Str("path", path).Str("manifest", src).Msg("ignoring ill-formed declaration")
		case d != nil:
			best.Hints.Declared = d
		}
	}
	r.log.Debug().Str("path", path).Str("reader", best.Reader).Int("confidence", int(best.Confidence)).Msg("format selected")
	return best, true
}

func better(a, b Match) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.Kind < b.Kind
}

func hasExt(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return slices.Contains(exts, ext)
}

// openFile opens path and rejects directories.
func openFile(fs afero.Fs, path string) (afero.File, int64, string) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, 0, "open: " + err.Error()
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "stat: " + err.Error()
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, "is a directory"
	}
	return f, st.Size(), ""
}
