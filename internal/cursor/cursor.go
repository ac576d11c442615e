// Package cursor encodes opaque pagination tokens.
//
// An explore cursor is the little-endian id (8 bytes), optionally preceded by
// a little-endian timestamp (16 bytes total), carried as unpadded base64 URL.
package cursor

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/and161185/polycentric-server/internal/errs"
)

// Decode failures. Both match errs.ErrInvalidCursor.
var (
	ErrEncoding = fmt.Errorf("cursor encoding: %w", errs.ErrInvalidCursor)
	ErrLength   = fmt.Errorf("cursor length: %w", errs.ErrInvalidCursor)
)

// ExploreCursor resumes a keyset-paginated listing.
type ExploreCursor struct {
	Timestamp *int64
	ID        int64
}

// FirstDescending starts a listing ordered by id descending.
func FirstDescending() ExploreCursor { return ExploreCursor{ID: math.MaxInt64} }

// FirstAscending starts a listing ordered by id ascending.
func FirstAscending() ExploreCursor { return ExploreCursor{ID: 0} }

// Bytes returns the binary form.
func (c ExploreCursor) Bytes() []byte {
	if c.Timestamp == nil {
		return binary.LittleEndian.AppendUint64(nil, uint64(c.ID))
	}
	b := make([]byte, 0, 16)
	b = binary.LittleEndian.AppendUint64(b, uint64(*c.Timestamp))
	return binary.LittleEndian.AppendUint64(b, uint64(c.ID))
}

// FromBytes parses the binary form.
func FromBytes(b []byte) (ExploreCursor, error) {
	switch len(b) {
	case 8:
		return ExploreCursor{ID: int64(binary.LittleEndian.Uint64(b))}, nil
	case 16:
		ts := int64(binary.LittleEndian.Uint64(b[:8]))
		return ExploreCursor{Timestamp: &ts, ID: int64(binary.LittleEndian.Uint64(b[8:]))}, nil
	default:
		return ExploreCursor{}, fmt.Errorf("%d bytes: %w", len(b), ErrLength)
	}
}

// Encode returns the transport form of c.
func Encode(c ExploreCursor) string {
	return base64.RawURLEncoding.EncodeToString(c.Bytes())
}

// Decode parses a token produced by Encode.
func Decode(s string) (ExploreCursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ExploreCursor{}, fmt.Errorf("%v: %w", err, ErrEncoding)
	}
	return FromBytes(b)
}

// EncodeOffset returns the binary cursor of an offset-paginated query.
func EncodeOffset(offset uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, offset)
}

// DecodeOffset parses an offset cursor. An empty cursor is offset zero.
func DecodeOffset(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("offset cursor %d bytes: %w", len(b), ErrLength)
	}
	return binary.LittleEndian.Uint64(b), nil
}
