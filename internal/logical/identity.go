package logical

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"math"
	"reflect"
	"slices"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// Identity returns the content hash of n. A root DeserializeToObject wrapper
// is skipped so a map's child and the dataset it was built from hash alike.
//
// Distinct plans may collide. The probability is that of SHA-256 and is not
// checked for.
func Identity(n Node) types.PlanIdentity {
	if d, ok := n.(*DeserializeToObject); ok {
		n = d.Child
	}
	h := sha256.New()
	w := canonicalWriter{h: h}
	w.node(n)

	var id types.PlanIdentity
	copy(id[:], h.Sum(nil))
	return id
}

// DatasetIdentity is the identity used by the cache control surface: a root
// SerializeFromObject is skipped and the rest is rewritten the way the
// planner sees it, so the result matches the identity of the operator that
// will produce the dataset.
func DatasetIdentity(n Node) types.PlanIdentity {
	if s, ok := n.(*SerializeFromObject); ok {
		n = s.Child
	}
	return Identity(EliminateSerialization(n))
}

// canonicalWriter emits a type-tagged byte stream. Every value is prefixed by
// a tag so that e.g. "1" and 1 never encode the same way.
type canonicalWriter struct {
	h   hash.Hash
	buf [8]byte
}

func (w *canonicalWriter) node(n Node) {
	w.tag('P')
	w.str(n.Kind())
	args := n.Args()
	w.length(len(args))
	for _, a := range args {
		w.value(reflect.ValueOf(a))
	}
	children := n.Children()
	w.length(len(children))
	for _, c := range children {
		w.node(c)
	}
}

func (w *canonicalWriter) tag(b byte) {
	w.h.Write([]byte{b})
}

func (w *canonicalWriter) length(n int) {
	binary.BigEndian.PutUint64(w.buf[:], uint64(n))
	w.h.Write(w.buf[:])
}

func (w *canonicalWriter) str(s string) {
	w.length(len(s))
	w.h.Write([]byte(s))
}

func (w *canonicalWriter) value(v reflect.Value) {
	if !v.IsValid() {
		w.tag('N')
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			w.tag('N')
			return
		}
		w.value(v.Elem())

	case reflect.Bool:
		w.tag('b')
		if v.Bool() {
			w.tag(1)
		} else {
			w.tag(0)
		}

	// all integer widths normalize to int64 / uint64
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.tag('i')
		binary.BigEndian.PutUint64(w.buf[:], uint64(v.Int()))
		w.h.Write(w.buf[:])

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.tag('u')
		binary.BigEndian.PutUint64(w.buf[:], v.Uint())
		w.h.Write(w.buf[:])

	case reflect.Float32, reflect.Float64:
		w.tag('f')
		f := v.Float()
		switch {
		case f == 0:
			f = 0 // folds -0
		case math.IsNaN(f):
			f = math.NaN()
		}
		binary.BigEndian.PutUint64(w.buf[:], math.Float64bits(f))
		w.h.Write(w.buf[:])

	case reflect.String:
		w.tag('s')
		w.str(v.String())

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			w.tag('N')
			return
		}
		w.tag('l')
		w.length(v.Len())
		for i := 0; i < v.Len(); i++ {
			w.value(v.Index(i))
		}

	case reflect.Map:
		w.tag('m')
		w.length(v.Len())
		type entry struct {
			key []byte
			val reflect.Value
		}
		entries := make([]entry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entries = append(entries, entry{key: encodeStandalone(iter.Key()), val: iter.Value()})
		}
		slices.SortFunc(entries, func(a, b entry) int { return bytes.Compare(a.key, b.key) })
		for _, e := range entries {
			w.h.Write(e.key)
			w.value(e.val)
		}

	case reflect.Struct:
		w.tag('r')
		t := v.Type()
		w.str(t.PkgPath() + "." + t.Name())
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			w.str(t.Field(i).Name)
			w.value(v.Field(i))
		}

	case reflect.Func:
		// code cannot be hashed; presence only
		w.tag('F')
		if v.IsNil() {
			w.tag(0)
		} else {
			w.tag(1)
		}

	default:
		w.tag('?')
		w.str(v.Type().String())
	}
}

// encodeStandalone encodes v on its own so map keys can be ordered.
func encodeStandalone(v reflect.Value) []byte {
	var buf bytes.Buffer
	inner := canonicalWriter{h: &bufferHash{Buffer: &buf}}
	inner.value(v)
	return buf.Bytes()
}

// bufferHash lets canonicalWriter target a plain buffer.
type bufferHash struct {
	*bytes.Buffer
}

func (b *bufferHash) Sum(in []byte) []byte { return append(in, b.Bytes()...) }
func (b *bufferHash) Size() int            { return b.Len() }
func (b *bufferHash) BlockSize() int       { return 1 }
