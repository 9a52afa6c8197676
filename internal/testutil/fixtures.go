// Package testutil builds small synthetic model containers for tests.
// Shapes are recorded in headers only; payloads are a few bytes.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tensor describes one fixture tensor.
type Tensor struct {
	DType string
	Shape []int64
}

// T is shorthand for a tensor with the given dtype and shape.
func T(dtype string, shape ...int64) Tensor { return Tensor{DType: dtype, Shape: shape} }

// Safetensors encodes a safetensors file. Every tensor gets four payload bytes.
func Safetensors(tensors map[string]Tensor, meta map[string]string) []byte {
	header := map[string]any{}
	if len(meta) > 0 {
		header["__metadata__"] = meta
	}
	var off int64
	for _, name := range sortedKeys(tensors) {
		t := tensors[name]
		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		header[name] = map[string]any{
			"dtype":        t.DType,
			"shape":        shape,
			"data_offsets": []int64{off, off + 4},
		}
		off += 4
	}
	hb, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hb)))
	buf.Write(hb)
	buf.Write(make([]byte, off))
	return buf.Bytes()
}

var storageClass = map[string]string{
	"F32":  "FloatStorage",
	"F16":  "HalfStorage",
	"BF16": "BFloat16Storage",
}

// TorchPickle encodes a protocol-2 pickle of an OrderedDict of tensors the
// way torch.save lays out data.pkl. wrap nests the dict under "state_dict".
func TorchPickle(tensors map[string]Tensor, wrap bool) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x80, 0x02})
	if wrap {
		b.WriteByte('}')
		b.WriteByte('(')
		str(&b, "state_dict")
	}
	b.WriteString("ccollections\nOrderedDict\n)R")
	b.WriteByte('(')
	for i, name := range sortedKeys(tensors) {
		t := tensors[name]
		str(&b, name)
		b.WriteString("ctorch._utils\n_rebuild_tensor_v2\n")
		b.WriteByte('(')
		// persistent id
		b.WriteByte('(')
		str(&b, "storage")
		cls := storageClass[t.DType]
		if cls == "" {
			cls = "FloatStorage"
		}
		b.WriteString("ctorch\n" + cls + "\n")
		str(&b, fmt.Sprint(i))
		str(&b, "cpu")
		integer(&b, numel(t.Shape))
		b.WriteString("tQ")
		integer(&b, 0)
		b.WriteByte('(')
		for _, d := range t.Shape {
			integer(&b, d)
		}
		b.WriteByte('t')
		b.WriteByte('(')
		for range t.Shape {
			integer(&b, 1)
		}
		b.WriteByte('t')
		b.WriteByte(0x89)
		b.WriteString("ccollections\nOrderedDict\n)R")
		b.WriteString("tR")
	}
	b.WriteByte('u')
	if wrap {
		b.WriteByte('u')
	}
	b.WriteByte('.')
	return b.Bytes()
}

// TorchZip wraps TorchPickle in the zip layout torch.save has used since 1.6.
func TorchZip(tensors map[string]Tensor, wrap bool) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			panic(err)
		}
		if _, err := w.Write(data); err != nil {
			panic(err)
		}
	}
	add("archive/data.pkl", TorchPickle(tensors, wrap))
	add("archive/version", []byte("3\n"))
	for i := range len(tensors) {
		add(fmt.Sprintf("archive/data/%d", i), make([]byte, 4))
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// TorchLegacy encodes the pre-1.6 layout: magic, protocol, sys info, object.
func TorchLegacy(tensors map[string]Tensor) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x80, 0x02, 0x8a, 0x0a, 0x6c, 0xfc, 0x9c, 0x46, 0xf9, 0x20, 0x6a, 0xa8, 0x50, 0x19, '.'})
	b.Write([]byte{0x80, 0x02, 'M', 0xe9, 0x03, '.'})
	b.Write([]byte{0x80, 0x02, '}', '.'})
	b.Write(TorchPickle(tensors, false))
	return b.Bytes()
}

func str(b *bytes.Buffer, s string) {
	b.WriteByte('X')
	_ = binary.Write(b, binary.LittleEndian, uint32(len(s)))
	b.WriteString(s)
}

func integer(b *bytes.Buffer, n int64) {
	b.WriteByte('J')
	_ = binary.Write(b, binary.LittleEndian, int32(n))
}

func numel(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// GGUFTensor is one F32 tensor in a GGUF fixture; dims are innermost first.
type GGUFTensor struct {
	Name string
	Dims []uint64
}

// GGUF encodes a version 3 GGUF file with string metadata and F32 tensors.
func GGUF(meta map[string]string, tensors []GGUFTensor) []byte {
	var b bytes.Buffer
	w := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	ggufStr := func(s string) {
		w(uint64(len(s)))
		b.WriteString(s)
	}
	b.WriteString("GGUF")
	w(uint32(3))
	w(uint64(len(tensors)))
	w(uint64(len(meta)))
	for _, k := range sortedKeys(meta) {
		ggufStr(k)
		w(uint32(8)) // string
		ggufStr(meta[k])
	}
	var off uint64
	for _, t := range tensors {
		ggufStr(t.Name)
		w(uint32(len(t.Dims)))
		n := uint64(1)
		for _, d := range t.Dims {
			w(d)
			n *= d
		}
		w(uint32(0)) // F32
		w(off)
		off += align(n*4, 32)
	}
	for b.Len()%32 != 0 {
		b.WriteByte(0)
	}
	b.Write(make([]byte, off))
	return b.Bytes()
}

func align(n, a uint64) uint64 { return (n + a - 1) / a * a }

// ONNXInput is a graph input with a fixed element type and shape; negative
// dims are written as symbolic.
type ONNXInput struct {
	Name  string
	Elem  uint64
	Shape []int64
}

// ONNX encodes a ModelProto with one graph carrying the given inputs, a
// node and an initializer so readers must skip them.
func ONNX(irVersion uint64, inputs []ONNXInput, meta map[string]string) []byte {
	var graph []byte
	node := protowire.AppendTag(nil, 4, protowire.BytesType)
	node = protowire.AppendString(node, "Conv")
	graph = protowire.AppendTag(graph, 1, protowire.BytesType)
	graph = protowire.AppendBytes(graph, node)
	graph = protowire.AppendTag(graph, 2, protowire.BytesType)
	graph = protowire.AppendString(graph, "main_graph")
	init := protowire.AppendTag(nil, 9, protowire.BytesType)
	init = protowire.AppendBytes(init, make([]byte, 256))
	graph = protowire.AppendTag(graph, 5, protowire.BytesType)
	graph = protowire.AppendBytes(graph, init)
	for _, in := range inputs {
		var shape []byte
		for _, d := range in.Shape {
			var dim []byte
			if d < 0 {
				dim = protowire.AppendTag(dim, 2, protowire.BytesType)
				dim = protowire.AppendString(dim, "batch")
			} else {
				dim = protowire.AppendTag(dim, 1, protowire.VarintType)
				dim = protowire.AppendVarint(dim, uint64(d))
			}
			shape = protowire.AppendTag(shape, 1, protowire.BytesType)
			shape = protowire.AppendBytes(shape, dim)
		}
		tensor := protowire.AppendTag(nil, 1, protowire.VarintType)
		tensor = protowire.AppendVarint(tensor, in.Elem)
		tensor = protowire.AppendTag(tensor, 2, protowire.BytesType)
		tensor = protowire.AppendBytes(tensor, shape)
		typ := protowire.AppendTag(nil, 1, protowire.BytesType)
		typ = protowire.AppendBytes(typ, tensor)
		vi := protowire.AppendTag(nil, 1, protowire.BytesType)
		vi = protowire.AppendString(vi, in.Name)
		vi = protowire.AppendTag(vi, 2, protowire.BytesType)
		vi = protowire.AppendBytes(vi, typ)
		graph = protowire.AppendTag(graph, 11, protowire.BytesType)
		graph = protowire.AppendBytes(graph, vi)
	}

	var m []byte
	m = protowire.AppendTag(m, 1, protowire.VarintType)
	m = protowire.AppendVarint(m, irVersion)
	m = protowire.AppendTag(m, 2, protowire.BytesType)
	m = protowire.AppendString(m, "pytorch")
	m = protowire.AppendTag(m, 7, protowire.BytesType)
	m = protowire.AppendBytes(m, graph)
	opset := protowire.AppendTag(nil, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 17)
	m = protowire.AppendTag(m, 8, protowire.BytesType)
	m = protowire.AppendBytes(m, opset)
	for _, k := range sortedKeys(meta) {
		entry := protowire.AppendTag(nil, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, meta[k])
		m = protowire.AppendTag(m, 14, protowire.BytesType)
		m = protowire.AppendBytes(m, entry)
	}
	return m
}

// WriteFile writes data to name under fs, creating parent directories.
func WriteFile(t testing.TB, fs afero.Fs, name string, data []byte) string {
	t.Helper()
	if err := fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(name), err)
	}
	if err := afero.WriteFile(fs, name, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return name
}

// WriteJSON marshals v into name.
func WriteJSON(t testing.TB, fs afero.Fs, name string, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	return WriteFile(t, fs, name, b)
}

// Mkdir creates a directory tree.
func Mkdir(t testing.TB, fs afero.Fs, name string) string {
	t.Helper()
	if err := fs.MkdirAll(name, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", name, err)
	}
	return name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
