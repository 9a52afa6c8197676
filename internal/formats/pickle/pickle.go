// Package pickle decodes Python pickle streams into inert values without
// importing or calling anything. It understands enough of protocols 0-5 to
// recover the tensor table of a PyTorch checkpoint: names, storage
// references and sizes.
package pickle

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Global is a reference to module.name, never resolved.
type Global struct {
	Module string
	Name   string
}

func (g Global) String() string { return g.Module + "." + g.Name }

// Call is the deferred result of REDUCE or NEWOBJ.
type Call struct {
	Func Value
	Args Tuple
}

// PersID is a persistent reference (a torch storage in checkpoints).
type PersID struct {
	ID Value
}

// Tuple and List are sequences; Dict keeps insertion order.
type (
	Tuple []Value
	List  struct{ Items []Value }
	Dict  struct {
		Keys   []Value
		Values []Value
	}
	None  struct{}
	Value = any
)

// Get returns the value stored under a string key.
func (d *Dict) Get(key string) (Value, bool) {
	for i, k := range d.Keys {
		if s, ok := k.(string); ok && s == key {
			return d.Values[i], true
		}
	}
	return nil, false
}

func (d *Dict) set(k, v Value) {
	d.Keys = append(d.Keys, k)
	d.Values = append(d.Values, v)
}

var (
	ErrLimit       = errors.New("pickle: operation limit exceeded")
	errMarkMissing = errors.New("pickle: mark not found")
	errStack       = errors.New("pickle: stack underflow")
)

type mark struct{}

// Decoder reads consecutive pickles from one stream.
type Decoder struct {
	r        *bufio.Reader
	maxOps   int
	maxItems int
}

// NewDecoder wraps r. maxOps bounds the number of opcodes per pickle.
func NewDecoder(r io.Reader, maxOps int) *Decoder {
	if maxOps <= 0 {
		maxOps = 10_000_000
	}
	return &Decoder{r: bufio.NewReader(r), maxOps: maxOps, maxItems: 1 << 22}
}

// Decode reads a single pickle up to and including its STOP opcode.
func Decode(r io.Reader) (Value, error) { return NewDecoder(r, 0).Decode() }

// Decode reads the next pickle from the stream.
func (d *Decoder) Decode() (Value, error) {
	var (
		stack []Value
		memo  = map[int]Value{}
		items int
	)
	pop := func() (Value, error) {
		if len(stack) == 0 {
			return nil, errStack
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	popMark := func() ([]Value, error) {
		for i := len(stack) - 1; i >= 0; i-- {
			if _, ok := stack[i].(mark); ok {
				out := append([]Value(nil), stack[i+1:]...)
				stack = stack[:i]
				return out, nil
			}
		}
		return nil, errMarkMissing
	}
	top := func() (Value, error) {
		if len(stack) == 0 {
			return nil, errStack
		}
		return stack[len(stack)-1], nil
	}

	for ops := 0; ; ops++ {
		if ops >= d.maxOps || items > d.maxItems {
			return nil, ErrLimit
		}
		op, err := d.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		switch op {
		case 0x80: // PROTO
			if _, err := d.r.ReadByte(); err != nil {
				return nil, unexpected(err)
			}
		case 0x95: // FRAME
			if _, err := d.readN(8); err != nil {
				return nil, err
			}
		case '.': // STOP
			v, err := pop()
			if err != nil {
				return nil, err
			}
			return v, nil
		case '(': // MARK
			stack = append(stack, mark{})
		case 'N':
			stack = append(stack, None{})
		case 0x88:
			stack = append(stack, true)
		case 0x89:
			stack = append(stack, false)
		case 'J': // BININT
			b, err := d.readN(4)
			if err != nil {
				return nil, err
			}
			stack = append(stack, int64(int32(binary.LittleEndian.Uint32(b))))
		case 'K': // BININT1
			b, err := d.r.ReadByte()
			if err != nil {
				return nil, unexpected(err)
			}
			stack = append(stack, int64(b))
		case 'M': // BININT2
			b, err := d.readN(2)
			if err != nil {
				return nil, err
			}
			stack = append(stack, int64(binary.LittleEndian.Uint16(b)))
		case 0x8a, 0x8b: // LONG1, LONG4
			var n int
			if op == 0x8a {
				b, err := d.r.ReadByte()
				if err != nil {
					return nil, unexpected(err)
				}
				n = int(b)
			} else {
				if n, err = d.readLen(4); err != nil {
					return nil, err
				}
			}
			b, err := d.readN(n)
			if err != nil {
				return nil, err
			}
			stack = append(stack, decodeLong(b))
		case 'G': // BINFLOAT
			b, err := d.readN(8)
			if err != nil {
				return nil, err
			}
			stack = append(stack, math.Float64frombits(binary.BigEndian.Uint64(b)))
		case 'I', 'L', 'F': // INT, LONG, FLOAT (text)
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			v, err := parseTextNumber(op, line)
			if err != nil {
				return nil, err
			}
			stack = append(stack, v)
		case 'X', 0x8c, 0x8d, 'T', 'U', 'B', 'C', 0x8e, 0x96: // strings and bytes
			v, err := d.readSized(op)
			if err != nil {
				return nil, err
			}
			stack = append(stack, v)
		case 'V', 'S': // UNICODE, STRING (text)
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			if op == 'S' {
				line = strings.Trim(line, `"'`)
			}
			stack = append(stack, line)
		case ')':
			stack = append(stack, Tuple{})
		case ']':
			stack = append(stack, &List{})
		case '}':
			stack = append(stack, &Dict{})
		case 0x8f: // EMPTY_SET
			stack = append(stack, &List{})
		case 't':
			vs, err := popMark()
			if err != nil {
				return nil, err
			}
			stack = append(stack, Tuple(vs))
		case 0x85, 0x86, 0x87: // TUPLE1..3
			n := int(op - 0x84)
			if len(stack) < n {
				return nil, errStack
			}
			t := append(Tuple(nil), stack[len(stack)-n:]...)
			stack = append(stack[:len(stack)-n], t)
		case 'l', 0x91: // LIST, FROZENSET
			vs, err := popMark()
			if err != nil {
				return nil, err
			}
			stack = append(stack, &List{Items: vs})
		case 'd': // DICT
			vs, err := popMark()
			if err != nil {
				return nil, err
			}
			dict := &Dict{}
			for i := 0; i+1 < len(vs); i += 2 {
				dict.set(vs[i], vs[i+1])
			}
			stack = append(stack, dict)
		case 'a': // APPEND
			v, err := pop()
			if err != nil {
				return nil, err
			}
			t, err := top()
			if err != nil {
				return nil, err
			}
			if l, ok := t.(*List); ok {
				l.Items = append(l.Items, v)
				items++
			}
		case 'e', 0x90: // APPENDS, ADDITEMS
			vs, err := popMark()
			if err != nil {
				return nil, err
			}
			t, err := top()
			if err != nil {
				return nil, err
			}
			if l, ok := t.(*List); ok {
				l.Items = append(l.Items, vs...)
				items += len(vs)
			}
		case 's': // SETITEM
			v, err := pop()
			if err != nil {
				return nil, err
			}
			k, err := pop()
			if err != nil {
				return nil, err
			}
			t, err := top()
			if err != nil {
				return nil, err
			}
			if dict, ok := t.(*Dict); ok {
				dict.set(k, v)
				items++
			}
		case 'u': // SETITEMS
			vs, err := popMark()
			if err != nil {
				return nil, err
			}
			t, err := top()
			if err != nil {
				return nil, err
			}
			if dict, ok := t.(*Dict); ok {
				for i := 0; i+1 < len(vs); i += 2 {
					dict.set(vs[i], vs[i+1])
				}
				items += len(vs) / 2
			}
		case 'c': // GLOBAL
			mod, err := d.readLine()
			if err != nil {
				return nil, err
			}
			name, err := d.readLine()
			if err != nil {
				return nil, err
			}
			stack = append(stack, Global{Module: mod, Name: name})
		case 0x93: // STACK_GLOBAL
			name, err := pop()
			if err != nil {
				return nil, err
			}
			mod, err := pop()
			if err != nil {
				return nil, err
			}
			ms, ok1 := mod.(string)
			ns, ok2 := name.(string)
			if !ok1 || !ok2 {
				return nil, errors.New("pickle: STACK_GLOBAL needs strings")
			}
			stack = append(stack, Global{Module: ms, Name: ns})
		case 'R', 0x81: // REDUCE, NEWOBJ
			args, err := pop()
			if err != nil {
				return nil, err
			}
			fn, err := pop()
			if err != nil {
				return nil, err
			}
			stack = append(stack, reduce(fn, args))
		case 0x92: // NEWOBJ_EX
			if _, err := pop(); err != nil {
				return nil, err
			}
			args, err := pop()
			if err != nil {
				return nil, err
			}
			fn, err := pop()
			if err != nil {
				return nil, err
			}
			stack = append(stack, reduce(fn, args))
		case 'b': // BUILD: state is ignored, the object stays.
			if _, err := pop(); err != nil {
				return nil, err
			}
		case 'Q': // BINPERSID
			id, err := pop()
			if err != nil {
				return nil, err
			}
			stack = append(stack, PersID{ID: id})
		case 'P': // PERSID
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			stack = append(stack, PersID{ID: line})
		case 'q', 'r': // BINPUT, LONG_BINPUT
			idx, err := d.readIndex(op == 'r')
			if err != nil {
				return nil, err
			}
			t, err := top()
			if err != nil {
				return nil, err
			}
			memo[idx] = t
		case 0x94: // MEMOIZE
			t, err := top()
			if err != nil {
				return nil, err
			}
			memo[len(memo)] = t
		case 'p': // PUT
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("pickle: bad PUT index %q", line)
			}
			t, err := top()
			if err != nil {
				return nil, err
			}
			memo[idx] = t
		case 'h', 'j': // BINGET, LONG_BINGET
			idx, err := d.readIndex(op == 'j')
			if err != nil {
				return nil, err
			}
			v, ok := memo[idx]
			if !ok {
				return nil, fmt.Errorf("pickle: memo %d missing", idx)
			}
			stack = append(stack, v)
		case 'g': // GET
			line, err := d.readLine()
			if err != nil {
				return nil, err
			}
			idx, err := strconv.Atoi(line)
			if err != nil {
				return nil, fmt.Errorf("pickle: bad GET index %q", line)
			}
			v, ok := memo[idx]
			if !ok {
				return nil, fmt.Errorf("pickle: memo %d missing", idx)
			}
			stack = append(stack, v)
		case '0': // POP
			if _, err := pop(); err != nil {
				return nil, err
			}
		case '1': // POP_MARK
			if _, err := popMark(); err != nil {
				return nil, err
			}
		case '2': // DUP
			t, err := top()
			if err != nil {
				return nil, err
			}
			stack = append(stack, t)
		default:
			return nil, fmt.Errorf("pickle: unsupported opcode 0x%02x", op)
		}
	}
}

// reduce keeps calls inert. OrderedDict() becomes an empty Dict so the
// SETITEMS that follow have somewhere to land.
func reduce(fn, args Value) Value {
	if g, ok := fn.(Global); ok && g.Module == "collections" && g.Name == "OrderedDict" {
		return &Dict{}
	}
	t, _ := args.(Tuple)
	return &Call{Func: fn, Args: t}
}

func (d *Decoder) readN(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("pickle: negative length")
	}
	if n <= readChunk {
		b := make([]byte, n)
		if _, err := io.ReadFull(d.r, b); err != nil {
			return nil, unexpected(err)
		}
		return b, nil
	}
	// Lengths come from the stream; grow with the bytes actually present.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, d.r, int64(n)); err != nil {
		return nil, unexpected(err)
	}
	return buf.Bytes(), nil
}

const readChunk = 64 << 10

func (d *Decoder) readLen(width int) (int, error) {
	b, err := d.readN(width)
	if err != nil {
		return 0, err
	}
	var n uint64
	switch width {
	case 1:
		n = uint64(b[0])
	case 4:
		n = uint64(binary.LittleEndian.Uint32(b))
	case 8:
		n = binary.LittleEndian.Uint64(b)
	}
	if n > math.MaxInt32 {
		return 0, ErrLimit
	}
	return int(n), nil
}

func (d *Decoder) readIndex(long bool) (int, error) {
	if long {
		return d.readLen(4)
	}
	return d.readLen(1)
}

func (d *Decoder) readSized(op byte) (Value, error) {
	var width int
	switch op {
	case 0x8c, 'U', 'C': // SHORT_BINUNICODE, SHORT_BINSTRING, SHORT_BINBYTES
		width = 1
	case 'X', 'T', 'B': // BINUNICODE, BINSTRING, BINBYTES
		width = 4
	default: // BINUNICODE8, BINBYTES8, BYTEARRAY8
		width = 8
	}
	n, err := d.readLen(width)
	if err != nil {
		return nil, err
	}
	b, err := d.readN(n)
	if err != nil {
		return nil, err
	}
	switch op {
	case 'X', 0x8c, 0x8d, 'T', 'U':
		return string(b), nil
	}
	return b, nil
}

func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", unexpected(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseTextNumber(op byte, line string) (Value, error) {
	switch op {
	case 'F':
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("pickle: bad FLOAT %q", line)
		}
		return f, nil
	case 'I':
		switch line {
		case "00":
			return false, nil
		case "01":
			return true, nil
		}
	}
	line = strings.TrimSuffix(line, "L")
	n, ok := new(big.Int).SetString(line, 10)
	if !ok {
		return nil, fmt.Errorf("pickle: bad integer %q", line)
	}
	if n.IsInt64() {
		return n.Int64(), nil
	}
	return n, nil
}

// decodeLong decodes a little-endian two's complement integer.
func decodeLong(b []byte) Value {
	if len(b) == 0 {
		return int64(0)
	}
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	n := new(big.Int).SetBytes(be)
	if b[len(b)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(8*len(b))))
	}
	if n.IsInt64() {
		return n.Int64()
	}
	return n
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
