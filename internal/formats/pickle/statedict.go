package pickle

import (
	"fmt"
	"strings"
)

// TensorInfo is what a checkpoint records about a tensor without its data.
type TensorInfo struct {
	DType string
	Shape []int64
}

var storageDTypes = map[string]string{
	"FloatStorage":    "F32",
	"HalfStorage":     "F16",
	"BFloat16Storage": "BF16",
	"DoubleStorage":   "F64",
	"LongStorage":     "I64",
	"IntStorage":      "I32",
	"ShortStorage":    "I16",
	"CharStorage":     "I8",
	"ByteStorage":     "U8",
	"BoolStorage":     "BOOL",
}

// StateDict flattens a decoded checkpoint into dotted tensor names. A
// top-level "state_dict" entry is unwrapped first; nested dicts contribute
// their keys joined with dots. Non-tensor leaves are dropped.
func StateDict(root Value) (map[string]TensorInfo, error) {
	d, ok := root.(*Dict)
	if !ok {
		return nil, fmt.Errorf("pickle: root is %T, not a dict", root)
	}
	for _, key := range []string{"state_dict", "model", "params_ema"} {
		if inner, ok := d.Get(key); ok {
			if id, ok := inner.(*Dict); ok {
				d = id
				break
			}
		}
	}
	out := make(map[string]TensorInfo)
	flatten(d, "", out, 0)
	if len(out) == 0 {
		return nil, fmt.Errorf("pickle: no tensors found")
	}
	return out, nil
}

func flatten(d *Dict, prefix string, out map[string]TensorInfo, depth int) {
	if depth > 8 {
		return
	}
	for i, k := range d.Keys {
		var name string
		switch kv := k.(type) {
		case string:
			name = kv
		case int64:
			name = fmt.Sprint(kv)
		default:
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		switch v := d.Values[i].(type) {
		case *Dict:
			flatten(v, name, out, depth+1)
		case *Call:
			if t, ok := tensorOf(v, 0); ok {
				out[name] = t
			}
		}
	}
}

// tensorOf recognises torch._utils._rebuild_tensor_v2 and the
// _rebuild_parameter wrapper around it.
func tensorOf(c *Call, depth int) (TensorInfo, bool) {
	g, ok := c.Func.(Global)
	if !ok || depth > 2 || !strings.HasPrefix(g.Module, "torch") {
		return TensorInfo{}, false
	}
	switch g.Name {
	case "_rebuild_parameter", "_rebuild_parameter_with_state":
		if len(c.Args) > 0 {
			if inner, ok := c.Args[0].(*Call); ok {
				return tensorOf(inner, depth+1)
			}
		}
		return TensorInfo{}, false
	case "_rebuild_tensor", "_rebuild_tensor_v2":
	default:
		return TensorInfo{}, false
	}
	if len(c.Args) < 3 {
		return TensorInfo{}, false
	}
	size, ok := c.Args[2].(Tuple)
	if !ok {
		return TensorInfo{}, false
	}
	shape := make([]int64, 0, len(size))
	for _, s := range size {
		n, ok := s.(int64)
		if !ok || n < 0 {
			return TensorInfo{}, false
		}
		shape = append(shape, n)
	}
	return TensorInfo{DType: storageDType(c.Args[0]), Shape: shape}, true
}

// storageDType reads the storage class out of a persistent id tuple
// ('storage', torch.HalfStorage, key, location, numel).
func storageDType(v Value) string {
	p, ok := v.(PersID)
	if !ok {
		return ""
	}
	t, ok := p.ID.(Tuple)
	if !ok || len(t) < 2 {
		return ""
	}
	g, ok := t[1].(Global)
	if !ok {
		return ""
	}
	return storageDTypes[g.Name]
}
