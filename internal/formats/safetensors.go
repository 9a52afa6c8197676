package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/buger/jsonparser"
	"github.com/spf13/afero"

	"modelprobe/pkg/types"
)

// SafetensorsReader parses the 8-byte length prefix and JSON header of a
// .safetensors file. Tensor payloads are never read.
type SafetensorsReader struct {
	fs  afero.Fs
	lim Limits
}

func NewSafetensorsReader(fs afero.Fs, lim Limits) *SafetensorsReader {
	return &SafetensorsReader{fs: fs, lim: lim.withDefaults()}
}

func (r *SafetensorsReader) Name() string { return "safetensors" }
func (r *SafetensorsReader) Kind() Kind   { return KindMagic }

func (r *SafetensorsReader) Sniff(path string) Match {
	f, size, reason := openFile(r.fs, path)
	if f == nil {
		return noMatch(r.Name(), r.Kind(), reason)
	}
	defer f.Close()

	tensors, meta, err := readSafetensorsHeader(f, size, r.lim.MaxHeaderBytes)
	if err != nil {
		return noMatch(r.Name(), r.Kind(), err.Error())
	}
	return Match{
		Matched:    true,
		Confidence: ConfidenceHigh,
		Hints: Hints{
			Format:    types.FormatSafetensors,
			Tensors:   tensors,
			Metadata:  meta,
			Precision: majorityPrecision(tensors),
		},
	}
}

func readSafetensorsHeader(f io.Reader, size, limit int64) (map[string]Tensor, map[string]string, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return nil, nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.LittleEndian.Uint64(prefix[:])
	if n < 2 || n > uint64(limit) {
		return nil, nil, fmt.Errorf("header length %d out of range", n)
	}
	if int64(n)+8 > size {
		return nil, nil, fmt.Errorf("header length %d exceeds file size %d", n, size)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	// The header may be right-padded with spaces to an 8-byte boundary.
	buf = bytes.TrimRight(buf, " ")
	if len(buf) == 0 || buf[0] != '{' {
		return nil, nil, errors.New("header is not a JSON object")
	}
	return parseSafetensorsHeader(buf, size-8-int64(n))
}

// parseSafetensorsHeader walks the header object. payload is the number of
// bytes after the header; data_offsets must fall inside it.
func parseSafetensorsHeader(buf []byte, payload int64) (map[string]Tensor, map[string]string, error) {
	tensors := make(map[string]Tensor)
	meta := make(map[string]string)
	err := jsonparser.ObjectEach(buf, func(key, value []byte, vt jsonparser.ValueType, _ int) error {
		name := string(key)
		if vt != jsonparser.Object {
			return fmt.Errorf("entry %q is not an object", name)
		}
		if name == "__metadata__" {
			return jsonparser.ObjectEach(value, func(k, v []byte, t jsonparser.ValueType, _ int) error {
				if t != jsonparser.String {
					return fmt.Errorf("metadata %q is not a string", k)
				}
				s, err := jsonparser.ParseString(v)
				if err != nil {
					return err
				}
				meta[string(k)] = s
				return nil
			})
		}
		t, err := parseTensorEntry(value, payload)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		tensors[name] = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(tensors) == 0 {
		return nil, nil, errors.New("header lists no tensors")
	}
	return tensors, meta, nil
}

func parseTensorEntry(value []byte, payload int64) (Tensor, error) {
	dtype, err := jsonparser.GetString(value, "dtype")
	if err != nil {
		return Tensor{}, fmt.Errorf("dtype: %w", err)
	}
	var shape []int64
	var inner error
	if _, err := jsonparser.ArrayEach(value, func(v []byte, t jsonparser.ValueType, _ int, _ error) {
		if inner != nil {
			return
		}
		if t != jsonparser.Number {
			inner = errors.New("shape entry is not a number")
			return
		}
		d, err := jsonparser.ParseInt(v)
		if err != nil || d < 0 {
			inner = fmt.Errorf("bad dimension %q", v)
			return
		}
		shape = append(shape, d)
	}, "shape"); err != nil {
		return Tensor{}, fmt.Errorf("shape: %w", err)
	}
	if inner != nil {
		return Tensor{}, inner
	}
	var offsets []int64
	if _, err := jsonparser.ArrayEach(value, func(v []byte, t jsonparser.ValueType, _ int, _ error) {
		if d, err := jsonparser.ParseInt(v); err == nil && t == jsonparser.Number {
			offsets = append(offsets, d)
		}
	}, "data_offsets"); err != nil {
		return Tensor{}, fmt.Errorf("data_offsets: %w", err)
	}
	if len(offsets) != 2 || offsets[0] < 0 || offsets[0] > offsets[1] || offsets[1] > payload {
		return Tensor{}, fmt.Errorf("data_offsets %v outside payload of %d bytes", offsets, payload)
	}
	return Tensor{DType: dtype, Shape: shape}, nil
}

var dtypePrecision = map[string]string{
	"F16":     "fp16",
	"BF16":    "bf16",
	"F32":     "fp32",
	"F64":     "fp64",
	"F8_E4M3": "fp8",
	"F8_E5M2": "fp8",
}

// majorityPrecision reports the most common floating dtype.
func majorityPrecision(tensors map[string]Tensor) string {
	counts := map[string]int{}
	for _, t := range tensors {
		if p, ok := dtypePrecision[t.DType]; ok {
			counts[p]++
		}
	}
	best, n := "", 0
	for p, c := range counts {
		if c > n || (c == n && p < best) {
			best, n = p, c
		}
	}
	return best
}
