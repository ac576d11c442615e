// Package model defines domain entities used by services and repositories.
package model

import (
	"crypto/sha256"
	"fmt"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
)

// Content types carried in Event.ContentType. Wire values are fixed by the protocol.
const (
	ContentTypeDelete          uint64 = 1
	ContentTypeSystemProcesses uint64 = 2
	ContentTypePost            uint64 = 3
	ContentTypeFollow          uint64 = 4
	ContentTypeUsername        uint64 = 5
	ContentTypeDescription     uint64 = 6
	ContentTypeBlobMeta        uint64 = 7
	ContentTypeBlobSection     uint64 = 8
	ContentTypeAvatar          uint64 = 9
	ContentTypeServer          uint64 = 10
	ContentTypeVouch           uint64 = 11
	ContentTypeClaim           uint64 = 12
	ContentTypeBanner          uint64 = 13
	ContentTypeOpinion         uint64 = 14
	ContentTypeStore           uint64 = 15
	ContentTypeAuthority       uint64 = 16
	ContentTypeJoinTopic       uint64 = 17
	ContentTypeBlock           uint64 = 18
)

// Reference types.
const (
	ReferenceTypeSystem  uint64 = 1 // reserved, stored opaque
	ReferenceTypePointer uint64 = 2
	ReferenceTypeBytes   uint64 = 3
)

// DigestTypeSHA256 is the only digest family used for pointers.
const DigestTypeSHA256 uint64 = 1

// Opinion values carried in the LWW element of OPINION events.
var (
	OpinionLike    = []byte{1}
	OpinionDislike = []byte{2}
	OpinionNeutral = []byte{3}
)

// ProcessSize is the length of a process identifier.
const ProcessSize = 16

// Process identifies one writer/device instance of a system.
type Process [ProcessSize]byte

// ProcessFromBytes copies b into a Process. Any length other than 16 is rejected.
func ProcessFromBytes(b []byte) (Process, error) {
	var p Process
	if len(b) != ProcessSize {
		return p, fmt.Errorf("process length %d: %w", len(b), errs.ErrMalformed)
	}
	copy(p[:], b)
	return p, nil
}

// Bytes returns the process as a fresh slice.
func (p Process) Bytes() []byte {
	out := make([]byte, ProcessSize)
	copy(out, p[:])
	return out
}

// Index records the logical clock of the previous event of IndexType by the same process.
type Index struct {
	IndexType    uint64
	LogicalClock uint64
}

// LWWElement is a timestamped register value attached to an event.
type LWWElement struct {
	Value            []byte
	UnixMilliseconds uint64
}

// Digest binds a pointer to exact event bytes.
type Digest struct {
	Type  uint64
	Bytes []byte
}

// DigestOf returns the SHA-256 digest of serialized event bytes.
func DigestOf(raw []byte) Digest {
	sum := sha256.Sum256(raw)
	return Digest{Type: DigestTypeSHA256, Bytes: sum[:]}
}

// Pointer references one specific event.
type Pointer struct {
	System       identity.PublicKey
	Process      Process
	LogicalClock uint64
	EventDigest  Digest
}

// Reference is a closed sum: PointerReference, BytesReference or OtherReference.
type Reference interface {
	ReferenceType() uint64
	isReference()
}

// PointerReference targets an event.
type PointerReference struct{ Pointer Pointer }

// BytesReference targets an externally addressed subject (tag, URL, ...).
type BytesReference struct{ Bytes []byte }

// OtherReference carries reference types the store does not index.
type OtherReference struct {
	Type uint64
	Raw  []byte
}

func (PointerReference) ReferenceType() uint64 { return ReferenceTypePointer }
func (BytesReference) ReferenceType() uint64   { return ReferenceTypeBytes }
func (r OtherReference) ReferenceType() uint64 { return r.Type }

func (PointerReference) isReference() {}
func (BytesReference) isReference()   {}
func (OtherReference) isReference()   {}

// Event is the parsed form of a serialized event.
type Event struct {
	System           identity.PublicKey
	Process          Process
	LogicalClock     uint64
	ContentType      uint64
	Content          []byte
	VectorClock      []uint64
	Indices          []Index
	References       []Reference
	LWWElement       *LWWElement // optional
	UnixMilliseconds *uint64     // optional
}

// SignedEvent keeps the exact bytes that were signed next to their parsed view.
type SignedEvent struct {
	Raw       []byte
	Signature []byte
	Event     *Event
}

// Pointer returns a pointer to this event.
func (s SignedEvent) Pointer() Pointer {
	return Pointer{
		System:       s.Event.System,
		Process:      s.Event.Process,
		LogicalClock: s.Event.LogicalClock,
		EventDigest:  DigestOf(s.Raw),
	}
}

// Delete is the payload of a DELETE event. It names an event of the same system.
type Delete struct {
	Process          Process
	LogicalClock     uint64
	Indices          []Index
	UnixMilliseconds *uint64
	ContentType      uint64
}

// ClaimField is one (key, value) assertion of a claim.
type ClaimField struct {
	Key   uint64
	Value string
}

// Claim is the payload of a CLAIM event.
type Claim struct {
	ClaimType uint64
	Fields    []ClaimField
}

// Range is an inclusive interval of logical clocks.
type Range struct {
	Low  uint64
	High uint64
}

// ProcessRanges lists ranges for one process.
type ProcessRanges struct {
	Process Process
	Ranges  []Range
}

// ClaimAndVouch pairs a claim event with a vouch event that references it.
type ClaimAndVouch struct {
	Claim SignedEvent
	Vouch SignedEvent
}
