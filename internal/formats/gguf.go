package formats

import (
	"bytes"
	"io"
	"slices"
	"strings"

	gguf "github.com/gpustack/gguf-parser-go"
	"github.com/spf13/afero"

	"modelprobe/pkg/types"
)

var ggufMagic = []byte("GGUF")

// GGUFReader recognises GGUF files. The full header walk goes through
// gguf-parser-go, which needs a real path; on other filesystems only the
// magic and version are checked.
type GGUFReader struct {
	fs afero.Fs
}

func NewGGUFReader(fs afero.Fs) *GGUFReader { return &GGUFReader{fs: fs} }

func (r *GGUFReader) Name() string { return "gguf" }
func (r *GGUFReader) Kind() Kind   { return KindMagic }

func (r *GGUFReader) Sniff(path string) Match {
	f, _, reason := openFile(r.fs, path)
	if f == nil {
		return noMatch(r.Name(), r.Kind(), reason)
	}
	head := make([]byte, 8)
	_, err := io.ReadFull(f, head)
	f.Close()
	if err != nil || !bytes.Equal(head[:4], ggufMagic) {
		return noMatch(r.Name(), r.Kind(), "no GGUF magic")
	}
	if v := uint32(head[4]) | uint32(head[5])<<8 | uint32(head[6])<<16 | uint32(head[7])<<24; v < 1 || v > 3 {
		return noMatch(r.Name(), r.Kind(), "unsupported GGUF version")
	}
	if _, ok := r.fs.(*afero.OsFs); !ok {
		return Match{
			Matched:    true,
			Confidence: ConfidenceMedium,
			Hints:      Hints{Format: types.FormatGGUFQuantized},
		}
	}

	gf, err := gguf.ParseGGUFFile(path, gguf.SkipLargeMetadata())
	if err != nil {
		return noMatch(r.Name(), r.Kind(), "gguf: "+err.Error())
	}
	tensors := make(map[string]Tensor, len(gf.TensorInfos))
	for _, ti := range gf.TensorInfos {
		// GGUF lists dimensions innermost first.
		shape := make([]int64, len(ti.Dimensions))
		for i, d := range ti.Dimensions {
			shape[len(shape)-1-i] = int64(d)
		}
		tensors[ti.Name] = Tensor{DType: ti.Type.String(), Shape: shape}
	}
	meta := map[string]string{}
	for _, kv := range gf.Header.MetadataKV {
		if s, ok := kv.Value.(string); ok {
			meta[kv.Key] = s
		}
	}
	md := gf.Metadata()
	if md.Architecture != "" {
		meta["general.architecture"] = md.Architecture
	}
	if md.Name != "" {
		meta["general.name"] = md.Name
	}
	return Match{
		Matched:    true,
		Confidence: ConfidenceHigh,
		Hints: Hints{
			Format:    types.FormatGGUFQuantized,
			Tensors:   tensors,
			Metadata:  meta,
			Precision: ggufPrecision(tensors),
		},
	}
}

// ggufPrecision reports the most common quantized block type, lower-cased.
func ggufPrecision(tensors map[string]Tensor) string {
	counts := map[string]int{}
	for _, t := range tensors {
		if t.DType != "" && !slices.Contains([]string{"F32", "F16", "BF16"}, t.DType) {
			counts[t.DType]++
		}
	}
	best, n := "", 0
	for p, c := range counts {
		if c > n || (c == n && p < best) {
			best, n = p, c
		}
	}
	if best == "" {
		return majorityPrecision(tensors)
	}
	return strings.ToLower(best)
}
