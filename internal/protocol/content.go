package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/and161185/polycentric-server/internal/model"
)

// EncodeDelete serializes a Delete payload.
func EncodeDelete(d model.Delete) []byte {
	var b []byte
	b = appendBytes(b, 1, EncodeProcess(d.Process))
	b = appendUint(b, 2, d.LogicalClock)
	b = appendBytes(b, 3, EncodeIndices(d.Indices))
	if d.UnixMilliseconds != nil {
		b = appendUint(b, 4, *d.UnixMilliseconds)
	}
	b = appendUint(b, 5, d.ContentType)
	return b
}

// DecodeDelete parses a Delete payload. Process and logical clock are required.
func DecodeDelete(b []byte) (model.Delete, error) {
	var (
		d                 model.Delete
		hasProc, hasClock bool
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if d.Process, err = DecodeProcess(raw); err != nil {
				return err
			}
			hasProc = true
		case 2:
			v, err := f.uint()
			if err != nil {
				return err
			}
			d.LogicalClock, hasClock = v, true
		case 3:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if d.Indices, err = DecodeIndices(raw); err != nil {
				return err
			}
		case 4:
			v, err := f.uint()
			if err != nil {
				return err
			}
			d.UnixMilliseconds = &v
		case 5:
			v, err := f.uint()
			if err != nil {
				return err
			}
			d.ContentType = v
		}
		return nil
	})
	if err != nil {
		return model.Delete{}, fmt.Errorf("delete: %w", err)
	}
	if !hasProc || !hasClock {
		return model.Delete{}, malformed("delete: missing required field")
	}
	return d, nil
}

// EncodeClaim serializes a Claim payload.
func EncodeClaim(c model.Claim) []byte {
	var b []byte
	b = appendUint(b, 1, c.ClaimType)
	for _, fld := range c.Fields {
		var entry []byte
		entry = appendUint(entry, 1, fld.Key)
		entry = appendString(entry, 2, fld.Value)
		b = appendBytes(b, 2, entry)
	}
	return b
}

// DecodeClaim parses a Claim payload.
func DecodeClaim(b []byte) (model.Claim, error) {
	var c model.Claim
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint()
			if err != nil {
				return err
			}
			c.ClaimType = v
		case 2:
			raw, err := f.data()
			if err != nil {
				return err
			}
			fld, err := decodeClaimField(raw)
			if err != nil {
				return err
			}
			c.Fields = append(c.Fields, fld)
		}
		return nil
	})
	if err != nil {
		return model.Claim{}, fmt.Errorf("claim: %w", err)
	}
	return c, nil
}

func decodeClaimField(b []byte) (model.ClaimField, error) {
	var fld model.ClaimField
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint()
			if err != nil {
				return err
			}
			fld.Key = v
		case 2:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if !utf8.Valid(raw) {
				return malformed("claim field %d: invalid utf-8", fld.Key)
			}
			fld.Value = string(raw)
		}
		return nil
	})
	return fld, err
}

// EncodePost serializes a Post payload.
func EncodePost(text string) []byte {
	return appendString(nil, 1, text)
}

// DecodePost parses a Post payload. Image manifests are ignored.
func DecodePost(b []byte) (string, error) {
	var text string
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		if !utf8.Valid(raw) {
			return malformed("post: invalid utf-8")
		}
		text = string(raw)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	return text, nil
}

// DecodeContent decodes the content of an event by content type. Content
// types the store does not index decode to model.UnknownContent.
func DecodeContent(contentType uint64, b []byte) (model.Content, error) {
	switch contentType {
	case model.ContentTypePost:
		text, err := DecodePost(b)
		if err != nil {
			return nil, err
		}
		return model.PostContent{Text: text}, nil
	case model.ContentTypeDelete:
		d, err := DecodeDelete(b)
		if err != nil {
			return nil, err
		}
		return model.DeleteContent{Delete: d}, nil
	case model.ContentTypeClaim:
		c, err := DecodeClaim(b)
		if err != nil {
			return nil, err
		}
		return model.ClaimContent{Claim: c}, nil
	}
	if model.IsLWWType(contentType) {
		return model.LWWContent{Raw: clone(b)}, nil
	}
	return model.UnknownContent{ContentType: contentType, Raw: clone(b)}, nil
}

// EncodeSystemProcesses serializes the process list of a SYSTEM_PROCESSES event.
func EncodeSystemProcesses(ps []model.Process) []byte {
	var b []byte
	for _, p := range ps {
		b = appendBytes(b, 1, EncodeProcess(p))
	}
	return b
}

// DecodeSystemProcesses parses the process list of a SYSTEM_PROCESSES event.
func DecodeSystemProcesses(b []byte) ([]model.Process, error) {
	var out []model.Process
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		p, err := DecodeProcess(raw)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("system processes: %w", err)
	}
	return out, nil
}
