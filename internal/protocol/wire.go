// Package protocol encodes and decodes the binary wire messages of the event
// protocol. The encoding is protobuf-compatible; field numbers are fixed.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/polycentric-server/internal/errs"
)

// field is one decoded protobuf field. Only varint and length-delimited
// values are surfaced; other wire types are skipped.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errs.ErrMalformed)
}

// walk calls fn for every field of the message b in wire order.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(n))
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(n))
			}
			f.bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, malformed("field %d: want varint", f.num)
	}
	return f.varint, nil
}

func (f field) data() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, malformed("field %d: want bytes", f.num)
	}
	return f.bytes, nil
}

// uints accepts both packed and unpacked encodings of a repeated varint.
func (f field) uints() ([]uint64, error) {
	switch f.typ {
	case protowire.VarintType:
		return []uint64{f.varint}, nil
	case protowire.BytesType:
		var out []uint64
		b := f.bytes
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("packed field %d: %v", f.num, protowire.ParseError(n))
			}
			out = append(out, v)
			b = b[n:]
		}
		return out, nil
	default:
		return nil, malformed("field %d: want varint list", f.num)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendPacked(b []byte, num protowire.Number, vs []uint64) []byte {
	if len(vs) == 0 {
		return b
	}
	var inner []byte
	for _, v := range vs {
		inner = protowire.AppendVarint(inner, v)
	}
	return appendBytes(b, num, inner)
}
