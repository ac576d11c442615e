package protocol

import (
	"errors"
	"fmt"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
)

// EncodePublicKey serializes a system key.
func EncodePublicKey(pk identity.PublicKey) []byte {
	var b []byte
	b = appendUint(b, 1, pk.KeyType)
	b = appendBytes(b, 2, pk.Key)
	return b
}

// DecodePublicKey parses a system key. The key type is not checked here;
// verification fails closed on unknown types.
func DecodePublicKey(b []byte) (identity.PublicKey, error) {
	var pk identity.PublicKey
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			pk.KeyType, err = f.uint()
		case 2:
			var v []byte
			v, err = f.data()
			pk.Key = clone(v)
		}
		return err
	})
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("public key: %w", err)
	}
	return pk, nil
}

// EncodeProcess serializes a process id message.
func EncodeProcess(p model.Process) []byte {
	return appendBytes(nil, 1, p[:])
}

// DecodeProcess parses a process id message.
func DecodeProcess(b []byte) (model.Process, error) {
	var raw []byte
	err := walk(b, func(f field) (err error) {
		if f.num == 1 {
			raw, err = f.data()
		}
		return err
	})
	if err != nil {
		return model.Process{}, err
	}
	return model.ProcessFromBytes(raw)
}

func encodeIndex(ix model.Index) []byte {
	var b []byte
	b = appendUint(b, 1, ix.IndexType)
	b = appendUint(b, 2, ix.LogicalClock)
	return b
}

func decodeIndex(b []byte) (model.Index, error) {
	var ix model.Index
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			ix.IndexType, err = f.uint()
		case 2:
			ix.LogicalClock, err = f.uint()
		}
		return err
	})
	return ix, err
}

// EncodeIndices serializes an Indices message.
func EncodeIndices(ixs []model.Index) []byte {
	var b []byte
	for _, ix := range ixs {
		b = appendBytes(b, 1, encodeIndex(ix))
	}
	return b
}

// DecodeIndices parses an Indices message.
func DecodeIndices(b []byte) ([]model.Index, error) {
	var out []model.Index
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		ix, err := decodeIndex(raw)
		if err != nil {
			return err
		}
		out = append(out, ix)
		return nil
	})
	return out, err
}

func encodeVectorClock(vc []uint64) []byte {
	return appendPacked(nil, 1, vc)
}

func decodeVectorClock(b []byte) ([]uint64, error) {
	var out []uint64
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		vs, err := f.uints()
		out = append(out, vs...)
		return err
	})
	return out, err
}

// EncodeDigest serializes a digest.
func EncodeDigest(d model.Digest) []byte {
	var b []byte
	b = appendUint(b, 1, d.Type)
	b = appendBytes(b, 2, d.Bytes)
	return b
}

// DecodeDigest parses a digest.
func DecodeDigest(b []byte) (model.Digest, error) {
	var d model.Digest
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			d.Type, err = f.uint()
		case 2:
			var v []byte
			v, err = f.data()
			d.Bytes = clone(v)
		}
		return err
	})
	return d, err
}

// EncodePointer serializes a pointer.
func EncodePointer(p model.Pointer) []byte {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(p.System))
	b = appendBytes(b, 2, EncodeProcess(p.Process))
	b = appendUint(b, 3, p.LogicalClock)
	b = appendBytes(b, 4, EncodeDigest(p.EventDigest))
	return b
}

// DecodePointer parses a pointer. System, process and digest are required.
func DecodePointer(b []byte) (model.Pointer, error) {
	var (
		p                       model.Pointer
		hasSys, hasProc, hasDig bool
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if p.System, err = DecodePublicKey(raw); err != nil {
				return err
			}
			hasSys = true
		case 2:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if p.Process, err = DecodeProcess(raw); err != nil {
				return err
			}
			hasProc = true
		case 3:
			v, err := f.uint()
			if err != nil {
				return err
			}
			p.LogicalClock = v
		case 4:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if p.EventDigest, err = DecodeDigest(raw); err != nil {
				return err
			}
			hasDig = true
		}
		return nil
	})
	if err != nil {
		return model.Pointer{}, fmt.Errorf("pointer: %w", err)
	}
	if !hasSys || !hasProc || !hasDig {
		return model.Pointer{}, malformed("pointer: missing required field")
	}
	return p, nil
}

// EncodeReference serializes a reference as {reference_type, reference bytes}.
func EncodeReference(r model.Reference) []byte {
	var body []byte
	switch v := r.(type) {
	case model.PointerReference:
		body = EncodePointer(v.Pointer)
	case model.BytesReference:
		body = v.Bytes
	case model.OtherReference:
		body = v.Raw
	}
	var b []byte
	b = appendUint(b, 1, r.ReferenceType())
	b = appendBytes(b, 2, body)
	return b
}

// DecodeReference parses a reference. Pointer bodies must themselves decode.
func DecodeReference(b []byte) (model.Reference, error) {
	var (
		typ  uint64
		body []byte
	)
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			typ, err = f.uint()
		case 2:
			body, err = f.data()
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}
	switch typ {
	case model.ReferenceTypePointer:
		p, err := DecodePointer(body)
		if err != nil {
			return nil, err
		}
		return model.PointerReference{Pointer: p}, nil
	case model.ReferenceTypeBytes:
		return model.BytesReference{Bytes: clone(body)}, nil
	default:
		return model.OtherReference{Type: typ, Raw: clone(body)}, nil
	}
}

// EncodeLWWElement serializes an LWW element.
func EncodeLWWElement(e model.LWWElement) []byte {
	var b []byte
	b = appendBytes(b, 1, e.Value)
	b = appendUint(b, 2, e.UnixMilliseconds)
	return b
}

// DecodeLWWElement parses an LWW element.
func DecodeLWWElement(b []byte) (model.LWWElement, error) {
	var e model.LWWElement
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			var v []byte
			v, err = f.data()
			e.Value = clone(v)
		case 2:
			e.UnixMilliseconds, err = f.uint()
		}
		return err
	})
	return e, err
}

// EncodeEvent serializes an event. The output is deterministic so that
// signatures over it are reproducible.
func EncodeEvent(e *model.Event) []byte {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(e.System))
	b = appendBytes(b, 2, EncodeProcess(e.Process))
	b = appendUint(b, 3, e.LogicalClock)
	b = appendUint(b, 4, e.ContentType)
	if len(e.Content) > 0 {
		b = appendBytes(b, 5, e.Content)
	}
	b = appendBytes(b, 6, encodeVectorClock(e.VectorClock))
	b = appendBytes(b, 7, EncodeIndices(e.Indices))
	if e.LWWElement != nil {
		b = appendBytes(b, 9, EncodeLWWElement(*e.LWWElement))
	}
	for _, r := range e.References {
		b = appendBytes(b, 10, EncodeReference(r))
	}
	if e.UnixMilliseconds != nil {
		b = appendUint(b, 11, *e.UnixMilliseconds)
	}
	return b
}

// ParseEvent decodes serialized event bytes. System, process, logical clock
// and content type are required.
func ParseEvent(b []byte) (*model.Event, error) {
	var (
		e                                  model.Event
		hasSys, hasProc, hasClock, hasType bool
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if e.System, err = DecodePublicKey(raw); err != nil {
				return err
			}
			hasSys = true
		case 2:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if e.Process, err = DecodeProcess(raw); err != nil {
				return err
			}
			hasProc = true
		case 3:
			v, err := f.uint()
			if err != nil {
				return err
			}
			e.LogicalClock, hasClock = v, true
		case 4:
			v, err := f.uint()
			if err != nil {
				return err
			}
			e.ContentType, hasType = v, true
		case 5:
			raw, err := f.data()
			if err != nil {
				return err
			}
			e.Content = clone(raw)
		case 6:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if e.VectorClock, err = decodeVectorClock(raw); err != nil {
				return err
			}
		case 7:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if e.Indices, err = DecodeIndices(raw); err != nil {
				return err
			}
		case 9:
			raw, err := f.data()
			if err != nil {
				return err
			}
			lww, err := DecodeLWWElement(raw)
			if err != nil {
				return err
			}
			e.LWWElement = &lww
		case 10:
			raw, err := f.data()
			if err != nil {
				return err
			}
			ref, err := DecodeReference(raw)
			if err != nil {
				return err
			}
			e.References = append(e.References, ref)
		case 11:
			v, err := f.uint()
			if err != nil {
				return err
			}
			e.UnixMilliseconds = &v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	if !hasSys || !hasProc || !hasClock || !hasType {
		return nil, malformed("event: missing required field")
	}
	return &e, nil
}

// EncodeSignedEvent serializes {signature, event}.
func EncodeSignedEvent(s model.SignedEvent) []byte {
	var b []byte
	b = appendBytes(b, 1, s.Signature)
	b = appendBytes(b, 2, s.Raw)
	return b
}

// ParseSignedEvent decodes a SignedEvent message and verifies its signature.
func ParseSignedEvent(b []byte) (model.SignedEvent, error) {
	var sig, raw []byte
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			sig, err = f.data()
		case 2:
			raw, err = f.data()
		}
		return err
	})
	if err != nil {
		return model.SignedEvent{}, fmt.Errorf("signed event: %w", err)
	}
	return DecodeSignedEvent(clone(raw), clone(sig))
}

// DecodeSignedEvent parses raw event bytes and checks sig against the
// event's system key. An event that fails verification is never returned.
func DecodeSignedEvent(raw, sig []byte) (model.SignedEvent, error) {
	ev, err := ParseEvent(raw)
	if err != nil {
		return model.SignedEvent{}, err
	}
	if !identity.Verify(ev.System, raw, sig) {
		return model.SignedEvent{}, fmt.Errorf("event %d: %w", ev.LogicalClock, errs.ErrBadSignature)
	}
	return model.SignedEvent{Raw: raw, Signature: sig, Event: ev}, nil
}

// LoadStoredEvent rebuilds a SignedEvent from bytes that were verified at
// ingestion. The signature is not checked again.
func LoadStoredEvent(raw, sig []byte) (model.SignedEvent, error) {
	ev, err := ParseEvent(raw)
	if err != nil {
		return model.SignedEvent{}, err
	}
	return model.SignedEvent{Raw: raw, Signature: sig, Event: ev}, nil
}

// SignEvent serializes e and signs it with key.
func SignEvent(key identity.PrivateKey, e *model.Event) model.SignedEvent {
	raw := EncodeEvent(e)
	return model.SignedEvent{Raw: raw, Signature: key.Sign(raw), Event: e}
}

// EncodeEvents serializes an Events message.
func EncodeEvents(events []model.SignedEvent) []byte {
	var b []byte
	for _, e := range events {
		b = appendBytes(b, 1, EncodeSignedEvent(e))
	}
	return b
}

// SplitEvents returns the undecoded SignedEvent messages of an Events message.
func SplitEvents(b []byte) ([][]byte, error) {
	var out [][]byte
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		out = append(out, clone(raw))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return out, nil
}

// DecodeEvents parses and verifies every event of an Events message.
func DecodeEvents(b []byte) ([]model.SignedEvent, error) {
	parts, err := SplitEvents(b)
	if err != nil {
		return nil, err
	}
	out := make([]model.SignedEvent, 0, len(parts))
	for i, p := range parts {
		se, err := ParseSignedEvent(p)
		if err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
		out = append(out, se)
	}
	return out, nil
}

// IsMalformed reports whether err came from decoding or verification.
func IsMalformed(err error) bool {
	return errors.Is(err, errs.ErrMalformed) || errors.Is(err, errs.ErrBadSignature)
}
