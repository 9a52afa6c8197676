package formats

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/protowire"

	"modelprobe/pkg/types"
)

// ModelProto and GraphProto field numbers from onnx.proto.
const (
	onnxIRVersion     protowire.Number = 1
	onnxProducerName  protowire.Number = 2
	onnxProducerVer   protowire.Number = 3
	onnxDomain        protowire.Number = 4
	onnxModelVersion  protowire.Number = 5
	onnxDocString     protowire.Number = 6
	onnxGraph         protowire.Number = 7
	onnxOpsetImport   protowire.Number = 8
	onnxMetadataProps protowire.Number = 14

	graphName  protowire.Number = 2
	graphInput protowire.Number = 11

	maxIRVersion = 15
)

var onnxElemTypes = map[uint64]string{
	1:  "F32",
	10: "F16",
	11: "F64",
	16: "BF16",
	7:  "I64",
	6:  "I32",
}

// ONNXReader walks the protobuf framing of an ONNX ModelProto. Node and
// initializer payloads are skipped by offset.
type ONNXReader struct {
	fs  afero.Fs
	lim Limits
}

func NewONNXReader(fs afero.Fs, lim Limits) *ONNXReader {
	return &ONNXReader{fs: fs, lim: lim.withDefaults()}
}

func (r *ONNXReader) Name() string { return "onnx" }
func (r *ONNXReader) Kind() Kind   { return KindMagic }

func (r *ONNXReader) Sniff(path string) Match {
	f, size, reason := openFile(r.fs, path)
	if f == nil {
		return noMatch(r.Name(), r.Kind(), reason)
	}
	defer f.Close()

	s := &protoScanner{r: f, limit: r.lim.MaxProtoFields, maxField: r.lim.MaxHeaderBytes}
	h, err := s.model(size)
	if err != nil {
		return noMatch(r.Name(), r.Kind(), err.Error())
	}
	return Match{Matched: true, Confidence: ConfidenceHigh, Hints: h}
}

type protoScanner struct {
	r        io.ReaderAt
	fields   int
	limit    int
	maxField int64
}

type protoField struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64
	start int64 // payload offset of a length-delimited field
	size  int64
}

// next decodes the field at off and returns the offset after it.
func (s *protoScanner) next(off, end int64) (protoField, int64, error) {
	s.fields++
	if s.fields > s.limit {
		return protoField{}, 0, errors.New("too many protobuf fields")
	}
	tag, n, err := s.varint(off, end)
	if err != nil {
		return protoField{}, 0, err
	}
	num, typ := protowire.DecodeTag(tag)
	if num < protowire.MinValidNumber || num > protowire.MaxValidNumber {
		return protoField{}, 0, fmt.Errorf("invalid field number at %d", off)
	}
	off += int64(n)
	fld := protoField{num: num, typ: typ}
	switch typ {
	case protowire.VarintType:
		v, n, err := s.varint(off, end)
		if err != nil {
			return protoField{}, 0, err
		}
		fld.value = v
		off += int64(n)
	case protowire.Fixed32Type:
		off += 4
	case protowire.Fixed64Type:
		off += 8
	case protowire.BytesType:
		l, n, err := s.varint(off, end)
		if err != nil {
			return protoField{}, 0, err
		}
		off += int64(n)
		if l > uint64(end-off) {
			return protoField{}, 0, fmt.Errorf("field %d overruns its message", num)
		}
		fld.start, fld.size = off, int64(l)
		off += int64(l)
	default:
		return protoField{}, 0, fmt.Errorf("unsupported wire type %d", typ)
	}
	if off > end {
		return protoField{}, 0, io.ErrUnexpectedEOF
	}
	return fld, off, nil
}

func (s *protoScanner) varint(off, end int64) (uint64, int, error) {
	var buf [binaryMaxVarint]byte
	n := int64(len(buf))
	if end-off < n {
		n = end - off
	}
	if n <= 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	if _, err := s.r.ReadAt(buf[:n], off); err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, err
	}
	v, m := protowire.ConsumeVarint(buf[:n])
	if m < 0 {
		return 0, 0, protowire.ParseError(m)
	}
	return v, m, nil
}

const binaryMaxVarint = 10

func (s *protoScanner) bytes(f protoField) ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d has wire type %d", f.num, f.typ)
	}
	if f.size > s.maxField {
		return nil, fmt.Errorf("field %d is %d bytes", f.num, f.size)
	}
	b := make([]byte, f.size)
	if _, err := s.r.ReadAt(b, f.start); err != nil && !(errors.Is(err, io.EOF) && len(b) == 0) {
		return nil, err
	}
	return b, nil
}

func (s *protoScanner) model(size int64) (Hints, error) {
	h := Hints{Format: types.FormatONNX, Metadata: map[string]string{}, Tensors: map[string]Tensor{}}
	var irVersion uint64
	var sawGraph bool
	for off := int64(0); off < size; {
		f, nextOff, err := s.next(off, size)
		if err != nil {
			return Hints{}, err
		}
		off = nextOff
		switch f.num {
		case onnxIRVersion, onnxModelVersion:
			if f.typ != protowire.VarintType {
				return Hints{}, fmt.Errorf("field %d has wire type %d", f.num, f.typ)
			}
			if f.num == onnxIRVersion {
				irVersion = f.value
			}
		case onnxProducerName, onnxProducerVer, onnxDomain:
			b, err := s.bytes(f)
			if err != nil {
				return Hints{}, err
			}
			h.Metadata[onnxMetaKey(f.num)] = string(b)
		case onnxDocString, onnxOpsetImport:
			if f.typ != protowire.BytesType {
				return Hints{}, fmt.Errorf("field %d has wire type %d", f.num, f.typ)
			}
		case onnxMetadataProps:
			b, err := s.bytes(f)
			if err != nil {
				return Hints{}, err
			}
			k, v := stringPair(b)
			if k != "" {
				h.Metadata[k] = v
			}
		case onnxGraph:
			if f.typ != protowire.BytesType {
				return Hints{}, errors.New("graph is not a message")
			}
			sawGraph = true
			if err := s.graph(f.start, f.start+f.size, &h); err != nil {
				return Hints{}, err
			}
		}
	}
	if irVersion < 1 || irVersion > maxIRVersion {
		return Hints{}, fmt.Errorf("ir_version %d out of range", irVersion)
	}
	if !sawGraph {
		return Hints{}, errors.New("model has no graph")
	}
	h.Precision = majorityPrecision(h.Tensors)
	return h, nil
}

func onnxMetaKey(n protowire.Number) string {
	switch n {
	case onnxProducerName:
		return "onnx.producer_name"
	case onnxProducerVer:
		return "onnx.producer_version"
	}
	return "onnx.domain"
}

// graph collects the graph name and its declared inputs.
func (s *protoScanner) graph(off, end int64, h *Hints) error {
	for off < end {
		f, nextOff, err := s.next(off, end)
		if err != nil {
			return err
		}
		off = nextOff
		switch f.num {
		case graphName:
			b, err := s.bytes(f)
			if err != nil {
				return err
			}
			h.Metadata["onnx.graph_name"] = string(b)
		case graphInput:
			b, err := s.bytes(f)
			if err != nil {
				return err
			}
			if name, t, ok := valueInfo(b); ok {
				h.Tensors[name] = t
			}
		}
	}
	return nil
}

// valueInfo decodes ValueInfoProto{name=1, type=2{tensor_type=1{elem_type=1, shape=2{dim=1{dim_value=1}}}}}.
func valueInfo(b []byte) (string, Tensor, bool) {
	var name string
	var t Tensor
	eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, payload []byte) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			name = string(payload)
		case num == 2 && typ == protowire.BytesType:
			eachField(payload, func(num protowire.Number, typ protowire.Type, _ uint64, tensorType []byte) {
				if num != 1 || typ != protowire.BytesType {
					return
				}
				eachField(tensorType, func(num protowire.Number, typ protowire.Type, v uint64, shape []byte) {
					switch {
					case num == 1 && typ == protowire.VarintType:
						t.DType = onnxElemTypes[v]
					case num == 2 && typ == protowire.BytesType:
						t.Shape = tensorShape(shape)
					}
				})
			})
		}
	})
	return name, t, name != ""
}

func tensorShape(b []byte) []int64 {
	var shape []int64
	eachField(b, func(num protowire.Number, typ protowire.Type, _ uint64, dim []byte) {
		if num != 1 || typ != protowire.BytesType {
			return
		}
		d := int64(-1)
		eachField(dim, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) {
			if num == 1 && typ == protowire.VarintType {
				d = int64(v)
			}
		})
		shape = append(shape, d)
	})
	return shape
}

// stringPair decodes StringStringEntryProto{key=1, value=2}.
func stringPair(b []byte) (key, value string) {
	eachField(b, func(num protowire.Number, typ protowire.Type, _ uint64, payload []byte) {
		if typ != protowire.BytesType {
			return
		}
		switch num {
		case 1:
			key = string(payload)
		case 2:
			value = string(payload)
		}
	})
	return key, value
}

// eachField visits the fields of an in-memory message, stopping at the
// first malformed one.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, uint64, []byte)) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return
		}
		b = b[n:]
		var v uint64
		var payload []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return
		}
		b = b[n:]
		fn(num, typ, v, payload)
	}
}
