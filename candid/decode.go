// SPDX-License-Identifier: Apache-2.0

package candid

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/pkg/errors"

	"perun.network/perun-icp-agent/principal"
)

// maxZeroSizeVec bounds vectors whose elements occupy no bytes.
const maxZeroSizeVec = 1 << 20

// Decode parses a Candid message and decodes its values into the expected
// types. Wire arguments beyond the expected ones are skipped; missing
// trailing arguments are filled in when their type allows it.
func Decode(types []*Type, data []byte) ([]Value, error) {
	for i, t := range types {
		if err := validate(t, map[*Type]bool{}, 0); err != nil {
			return nil, &DecodeError{Reason: "expected " + argPath(i), Err: err}
		}
	}

	d := &decoder{data: data, sub: newSubtyper()}
	if !bytes.HasPrefix(data, Magic) {
		return nil, d.fail("header", ErrBadMagic)
	}
	d.pos = len(Magic)
	if err := d.readTable(); err != nil {
		return nil, err
	}
	nargs, err := d.readLength(1)
	if err != nil {
		return nil, err
	}
	wire := make([]*Type, nargs)
	for i := range wire {
		if wire[i], err = d.readRef(); err != nil {
			return nil, err
		}
	}

	values := make([]Value, len(types))
	for i, exp := range types {
		if i >= len(wire) {
			if !defaultable(exp) {
				return nil, d.fail(fmt.Sprintf("missing %s of type %v", argPath(i), exp), ErrTypeMismatch)
			}
			values[i] = defaultValue(exp)
			continue
		}
		if values[i], err = d.value(wire[i], exp, 0); err != nil {
			return nil, err
		}
	}
	for _, w := range wire[min(len(types), len(wire)):] {
		if err := d.skip(w, 0); err != nil {
			return nil, err
		}
	}
	if d.pos != len(d.data) {
		return nil, d.fail(fmt.Sprintf("%d bytes left", len(d.data)-d.pos), ErrTrailingBytes)
	}
	return values, nil
}

// validate walks t and reports unresolved placeholders.
func validate(t *Type, seen map[*Type]bool, depth int) error {
	if depth > MaxDepth {
		return ErrTooDeep
	}
	r, err := t.resolve()
	if err != nil {
		return err
	}
	if seen[r] {
		return nil
	}
	seen[r] = true
	var children []*Type
	if r.elem != nil {
		children = append(children, r.elem)
	}
	for _, f := range r.fields {
		children = append(children, f.Type)
	}
	children = append(children, r.args...)
	children = append(children, r.rets...)
	for _, m := range r.methods {
		children = append(children, m.Type)
	}
	for _, c := range children {
		if err := validate(c, seen, depth+1); err != nil {
			return err
		}
	}
	return nil
}

type decoder struct {
	data  []byte
	pos   int
	table []*Type
	sub   *subtyper
}

func (d *decoder) fail(reason string, err error) error {
	return &DecodeError{Offset: d.pos, Reason: reason, Err: err}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > d.remaining() {
		return nil, d.fail(fmt.Sprintf("need %d bytes", n), ErrTruncated)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readLEB() (*big.Int, error) {
	n, size, err := readLEB(d.data[d.pos:])
	if err != nil {
		return nil, d.fail("leb128", err)
	}
	d.pos += size
	return n, nil
}

func (d *decoder) readSLEB() (*big.Int, error) {
	n, size, err := readSLEB(d.data[d.pos:])
	if err != nil {
		return nil, d.fail("sleb128", err)
	}
	d.pos += size
	return n, nil
}

// readLength reads a count whose entries take at least minSize bytes each,
// so that it cannot exceed what the rest of the message can hold.
func (d *decoder) readLength(minSize int) (int, error) {
	n, err := d.readLEB()
	if err != nil {
		return 0, err
	}
	limit := maxZeroSizeVec
	if minSize > 0 {
		limit = d.remaining() / minSize
	}
	if !n.IsInt64() || n.Int64() > int64(limit) {
		return 0, d.fail(fmt.Sprintf("length %s exceeds message", n), ErrTruncated)
	}
	return int(n.Int64()), nil
}

func (d *decoder) readText() (string, error) {
	n, err := d.readLength(1)
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", d.fail("text is not valid utf-8", ErrTypeMismatch)
	}
	return string(b), nil
}

func (d *decoder) readTable() error {
	n, err := d.readLength(1)
	if err != nil {
		return err
	}
	d.table = make([]*Type, n)
	for i := range d.table {
		d.table[i] = RecType()
	}
	for i := range d.table {
		t, err := d.readEntry()
		if err != nil {
			return err
		}
		d.table[i].rec = t
	}
	return nil
}

func (d *decoder) readEntry() (*Type, error) {
	op, err := d.readSLEB()
	if err != nil {
		return nil, err
	}
	if !op.IsInt64() || op.Int64() < int64(KindPrincipal) || op.Int64() >= 0 {
		return nil, d.fail(fmt.Sprintf("type table entry %s", op), ErrUnknownOpcode)
	}
	switch Kind(op.Int64()) {
	case KindOpt, KindVec:
		elem, err := d.readRef()
		if err != nil {
			return nil, err
		}
		return &Type{kind: Kind(op.Int64()), elem: elem}, nil
	case KindRecord, KindVariant:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		fields := make([]Field, n)
		for i := range fields {
			id, err := d.readLEB()
			if err != nil {
				return nil, err
			}
			if !id.IsUint64() || id.Uint64() > math.MaxUint32 {
				return nil, d.fail("field id out of range", ErrTypeMismatch)
			}
			if i > 0 && uint64(fields[i-1].ID()) >= id.Uint64() {
				return nil, d.fail("field ids not strictly increasing", ErrTypeMismatch)
			}
			ft, err := d.readRef()
			if err != nil {
				return nil, err
			}
			fields[i] = Field{Name: itoa(uint32(id.Uint64())), Type: ft}
		}
		return &Type{kind: Kind(op.Int64()), fields: fields}, nil
	case KindFunc:
		args, err := d.readRefs()
		if err != nil {
			return nil, err
		}
		rets, err := d.readRefs()
		if err != nil {
			return nil, err
		}
		n, err := d.readLength(1)
		if err != nil {
			return nil, err
		}
		modes := make([]string, n)
		for i := range modes {
			code, err := d.readByte()
			if err != nil {
				return nil, err
			}
			for name, c := range modeCodes {
				if c == code {
					modes[i] = name
				}
			}
			if modes[i] == "" {
				return nil, d.fail(fmt.Sprintf("function annotation %d", code), ErrUnknownOpcode)
			}
		}
		return &Type{kind: KindFunc, args: args, rets: rets, modes: modes}, nil
	case KindService:
		n, err := d.readLength(2)
		if err != nil {
			return nil, err
		}
		methods := make([]Method, n)
		for i := range methods {
			name, err := d.readText()
			if err != nil {
				return nil, err
			}
			mt, err := d.readRef()
			if err != nil {
				return nil, err
			}
			methods[i] = Method{Name: name, Type: mt}
		}
		return &Type{kind: KindService, methods: methods}, nil
	}
	return nil, d.fail(fmt.Sprintf("type table entry %s", op), ErrUnknownOpcode)
}

func (d *decoder) readRefs() ([]*Type, error) {
	n, err := d.readLength(1)
	if err != nil {
		return nil, err
	}
	ts := make([]*Type, n)
	for i := range ts {
		if ts[i], err = d.readRef(); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// readRef reads a type reference: a primitive opcode or a table index.
func (d *decoder) readRef() (*Type, error) {
	ref, err := d.readSLEB()
	if err != nil {
		return nil, err
	}
	if !ref.IsInt64() {
		return nil, d.fail("type reference out of range", ErrUnknownOpcode)
	}
	r := ref.Int64()
	if r >= 0 {
		if r >= int64(len(d.table)) {
			return nil, d.fail(fmt.Sprintf("type index %d of %d", r, len(d.table)), ErrUnknownOpcode)
		}
		return d.table[r], nil
	}
	if r < math.MinInt8 || !Kind(r).primitive() {
		return nil, d.fail(fmt.Sprintf("type opcode %d", r), ErrUnknownOpcode)
	}
	return &Type{kind: Kind(r)}, nil
}

func (d *decoder) value(wire, exp *Type, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, d.fail("value", ErrTooDeep)
	}
	w, _ := wire.resolve()
	e, err := exp.resolve()
	if err != nil {
		return nil, d.fail("expected type", err)
	}

	switch {
	case e.kind == KindReserved:
		return Reserved{}, d.skip(w, depth)
	case e.kind == KindOpt:
		return d.opt(w, e, depth)
	case w.kind == KindNat && e.kind == KindInt:
		n, err := d.readLEB()
		if err != nil {
			return nil, err
		}
		return Int{n}, nil
	case w.kind != e.kind:
		return nil, d.fail(fmt.Sprintf("wire type %v does not match %v", w, e), ErrTypeMismatch)
	}

	switch e.kind {
	case KindNull:
		return Null{}, nil
	case KindEmpty:
		return nil, d.fail("empty has no values", ErrTypeMismatch)
	case KindBool:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if b > 1 {
			return nil, d.fail(fmt.Sprintf("bool byte %d", b), ErrTypeMismatch)
		}
		return Bool(b == 1), nil
	case KindNat:
		n, err := d.readLEB()
		if err != nil {
			return nil, err
		}
		return Nat{n}, nil
	case KindInt:
		n, err := d.readSLEB()
		if err != nil {
			return nil, err
		}
		return Int{n}, nil
	case KindNat8, KindNat16, KindNat32, KindNat64, KindInt8, KindInt16, KindInt32, KindInt64:
		size, signed, _ := fixedWidth(e.kind)
		b, err := d.take(size)
		if err != nil {
			return nil, err
		}
		if signed {
			return Int{fromFixed(b, true)}, nil
		}
		return Nat{fromFixed(b, false)}, nil
	case KindFloat32:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case KindFloat64:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case KindText:
		s, err := d.readText()
		if err != nil {
			return nil, err
		}
		return Text(s), nil
	case KindPrincipal:
		p, err := d.readPrincipal()
		if err != nil {
			return nil, err
		}
		return Principal{p}, nil
	case KindService:
		p, err := d.readPrincipal()
		if err != nil {
			return nil, err
		}
		return Service{p}, nil
	case KindFunc:
		if err := d.readReferenceTag(); err != nil {
			return nil, err
		}
		p, err := d.readPrincipal()
		if err != nil {
			return nil, err
		}
		method, err := d.readText()
		if err != nil {
			return nil, err
		}
		return Func{Service: p, Method: method}, nil
	case KindVec:
		return d.vec(w, e, depth)
	case KindRecord:
		return d.record(w, e, depth)
	case KindVariant:
		return d.variant(w, e, depth)
	}
	return nil, d.fail(fmt.Sprintf("kind %v", e.kind), ErrUnknownOpcode)
}

func (d *decoder) opt(w, e *Type, depth int) (Value, error) {
	switch w.kind {
	case KindNull, KindReserved:
		return None(), nil
	case KindOpt:
		tag, err := d.readByte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			return None(), nil
		case 1:
		default:
			return nil, d.fail(fmt.Sprintf("opt tag %d", tag), ErrTypeMismatch)
		}
		if !d.sub.subtype(w.elem, e.elem) {
			return None(), d.skip(w.elem, depth+1)
		}
		v, err := d.value(w.elem, e.elem, depth+1)
		if err != nil {
			return nil, err
		}
		return Some(v), nil
	}
	if defaultable(e.elem) || !d.sub.subtype(w, e.elem) {
		return None(), d.skip(w, depth)
	}
	v, err := d.value(w, e.elem, depth+1)
	if err != nil {
		return nil, err
	}
	return Some(v), nil
}

func (d *decoder) vec(w, e *Type, depth int) (Value, error) {
	n, err := d.readLength(minSize(w.elem, 0))
	if err != nil {
		return nil, err
	}
	if w.elem.Kind() == KindNat8 && e.elem.Kind() == KindNat8 {
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return Bytes(append([]byte{}, b...)), nil
	}
	vec := make(Vec, n)
	for i := range vec {
		if vec[i], err = d.value(w.elem, e.elem, depth+1); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

func (d *decoder) record(w, e *Type, depth int) (Value, error) {
	seen := make(map[uint32]bool, len(e.fields))
	rec := make(Record, 0, len(e.fields))
	for _, wf := range w.fields {
		ef, _, ok := e.Field(wf.ID())
		if !ok {
			if err := d.skip(wf.Type, depth+1); err != nil {
				return nil, err
			}
			continue
		}
		v, err := d.value(wf.Type, ef.Type, depth+1)
		if err != nil {
			return nil, err
		}
		seen[ef.ID()] = true
		rec = append(rec, FieldValue{Name: ef.Name, Value: v})
	}
	for _, ef := range e.fields {
		if seen[ef.ID()] {
			continue
		}
		if !defaultable(ef.Type) {
			return nil, d.fail(fmt.Sprintf("missing record field %q", ef.Name), ErrTypeMismatch)
		}
		rec = append(rec, FieldValue{Name: ef.Name, Value: defaultValue(ef.Type)})
	}
	return rec.sorted(), nil
}

func (d *decoder) variant(w, e *Type, depth int) (Value, error) {
	idx, err := d.readLEB()
	if err != nil {
		return nil, err
	}
	if !idx.IsInt64() || idx.Int64() >= int64(len(w.fields)) {
		return nil, d.fail(fmt.Sprintf("variant index %s of %d", idx, len(w.fields)), ErrTypeMismatch)
	}
	wf := w.fields[idx.Int64()]
	ef, _, ok := e.Field(wf.ID())
	if !ok {
		return nil, d.fail(fmt.Sprintf("unknown variant alternative %d", wf.ID()), ErrTypeMismatch)
	}
	v, err := d.value(wf.Type, ef.Type, depth+1)
	if err != nil {
		return nil, err
	}
	return Variant{Name: ef.Name, Value: v}, nil
}

func (d *decoder) readReferenceTag() error {
	tag, err := d.readByte()
	if err != nil {
		return err
	}
	if tag != 1 {
		return d.fail(fmt.Sprintf("reference tag %d", tag), errors.Wrap(ErrTypeMismatch, "opaque references are not supported"))
	}
	return nil
}

func (d *decoder) readPrincipal() (principal.Principal, error) {
	if err := d.readReferenceTag(); err != nil {
		return principal.Principal{}, err
	}
	n, err := d.readLength(1)
	if err != nil {
		return principal.Principal{}, err
	}
	if n > principal.MaxLength {
		return principal.Principal{}, d.fail(fmt.Sprintf("principal of %d bytes", n), principal.ErrTooLong)
	}
	b, err := d.take(n)
	if err != nil {
		return principal.Principal{}, err
	}
	return principal.Principal{Raw: append([]byte{}, b...)}, nil
}

// skip consumes a value of the wire type without building it.
func (d *decoder) skip(wire *Type, depth int) error {
	if depth > MaxDepth {
		return d.fail("value", ErrTooDeep)
	}
	w, err := wire.resolve()
	if err != nil {
		return d.fail("wire type", err)
	}
	if size, _, ok := fixedWidth(w.kind); ok {
		_, err := d.take(size)
		return err
	}
	switch w.kind {
	case KindNull, KindReserved:
		return nil
	case KindEmpty:
		return d.fail("empty has no values", ErrTypeMismatch)
	case KindBool:
		_, err := d.take(1)
		return err
	case KindNat:
		_, err := d.readLEB()
		return err
	case KindInt:
		_, err := d.readSLEB()
		return err
	case KindFloat32:
		_, err := d.take(4)
		return err
	case KindFloat64:
		_, err := d.take(8)
		return err
	case KindText:
		n, err := d.readLength(1)
		if err != nil {
			return err
		}
		_, err = d.take(n)
		return err
	case KindPrincipal, KindService:
		_, err := d.readPrincipal()
		return err
	case KindFunc:
		if err := d.readReferenceTag(); err != nil {
			return err
		}
		if _, err := d.readPrincipal(); err != nil {
			return err
		}
		_, err := d.readText()
		return err
	case KindOpt:
		tag, err := d.readByte()
		if err != nil {
			return err
		}
		if tag == 0 {
			return nil
		}
		return d.skip(w.elem, depth+1)
	case KindVec:
		n, err := d.readLength(minSize(w.elem, 0))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := d.skip(w.elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	case KindRecord:
		for _, f := range w.fields {
			if err := d.skip(f.Type, depth+1); err != nil {
				return err
			}
		}
		return nil
	case KindVariant:
		idx, err := d.readLEB()
		if err != nil {
			return err
		}
		if !idx.IsInt64() || idx.Int64() >= int64(len(w.fields)) {
			return d.fail(fmt.Sprintf("variant index %s of %d", idx, len(w.fields)), ErrTypeMismatch)
		}
		return d.skip(w.fields[idx.Int64()].Type, depth+1)
	}
	return d.fail(fmt.Sprintf("kind %v", w.kind), ErrUnknownOpcode)
}

// minSize returns a lower bound of the encoded size of values of t, used
// to bound vector lengths. Records of zero-sized fields report zero.
func minSize(t *Type, depth int) int {
	r, err := t.resolve()
	if err != nil || depth > 8 {
		return 1
	}
	switch r.kind {
	case KindNull, KindReserved:
		return 0
	case KindRecord:
		for _, f := range r.fields {
			if minSize(f.Type, depth+1) > 0 {
				return 1
			}
		}
		return 0
	}
	return 1
}
