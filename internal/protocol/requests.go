package protocol

import (
	"fmt"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
)

// Request and response messages of the event store service. Every message
// implements MarshalWire and UnmarshalWire so it can travel over the
// transport codec.

// Empty carries no fields.
type Empty struct{}

func (*Empty) MarshalWire() ([]byte, error) { return nil, nil }
func (*Empty) UnmarshalWire([]byte) error   { return nil }

// EventsMessage is a list of signed events.
type EventsMessage struct{ Events []model.SignedEvent }

func (m *EventsMessage) MarshalWire() ([]byte, error) { return EncodeEvents(m.Events), nil }

// UnmarshalWire verifies every event it decodes.
func (m *EventsMessage) UnmarshalWire(b []byte) (err error) {
	m.Events, err = DecodeEvents(b)
	return err
}

// RawEventsMessage is a list of undecoded SignedEvent messages. Submissions
// use it so that each event is verified and reported individually.
type RawEventsMessage struct{ Events [][]byte }

func (m *RawEventsMessage) MarshalWire() ([]byte, error) {
	var b []byte
	for _, e := range m.Events {
		b = appendBytes(b, 1, e)
	}
	return b, nil
}

func (m *RawEventsMessage) UnmarshalWire(b []byte) (err error) {
	m.Events, err = SplitEvents(b)
	return err
}

func encodeFilters(fs []moderation.Filter) []byte {
	var b []byte
	for _, f := range fs {
		var entry []byte
		entry = appendString(entry, 1, f.Tag)
		entry = appendUint(entry, 2, uint64(f.MaxLevel))
		if f.Strict {
			entry = appendUint(entry, 3, 1)
		}
		b = appendBytes(b, 1, entry)
	}
	return b
}

func decodeFilters(b []byte) ([]moderation.Filter, error) {
	var out []moderation.Filter
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		var flt moderation.Filter
		err = walk(raw, func(g field) error {
			switch g.num {
			case 1:
				v, err := g.data()
				if err != nil {
					return err
				}
				flt.Tag = string(v)
			case 2:
				v, err := g.uint()
				if err != nil {
					return err
				}
				flt.MaxLevel = int(v)
			case 3:
				v, err := g.uint()
				if err != nil {
					return err
				}
				flt.Strict = v != 0
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = append(out, flt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("moderation filters: %w", err)
	}
	return out, nil
}

func decodeKeyField(f field) (identity.PublicKey, error) {
	raw, err := f.data()
	if err != nil {
		return identity.PublicKey{}, err
	}
	return DecodePublicKey(raw)
}

// RangesRequest asks for the events of system inside the given ranges.
type RangesRequest struct {
	System identity.PublicKey
	Ranges []model.ProcessRanges
}

func (m *RangesRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(m.System))
	b = appendBytes(b, 2, EncodeRangesForSystem(m.Ranges))
	return b, nil
}

func (m *RangesRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.System, err = decodeKeyField(f)
		case 2:
			var raw []byte
			if raw, err = f.data(); err == nil {
				m.Ranges, err = DecodeRangesForSystem(raw)
			}
		}
		return err
	})
}

// RangesResponse lists the stored intervals of a system.
type RangesResponse struct{ Ranges []model.ProcessRanges }

func (m *RangesResponse) MarshalWire() ([]byte, error) { return EncodeRangesForSystem(m.Ranges), nil }

func (m *RangesResponse) UnmarshalWire(b []byte) (err error) {
	m.Ranges, err = DecodeRangesForSystem(b)
	return err
}

// SystemRequest names a system, optionally scoped to one process.
type SystemRequest struct {
	System  identity.PublicKey
	Process *model.Process
	Filters []moderation.Filter
}

func (m *SystemRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(m.System))
	if m.Process != nil {
		b = appendBytes(b, 2, EncodeProcess(*m.Process))
	}
	if len(m.Filters) > 0 {
		b = appendBytes(b, 3, encodeFilters(m.Filters))
	}
	return b, nil
}

func (m *SystemRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.System, err = decodeKeyField(f)
		case 2:
			var raw []byte
			if raw, err = f.data(); err == nil {
				var p model.Process
				if p, err = DecodeProcess(raw); err == nil {
					m.Process = &p
				}
			}
		case 3:
			var raw []byte
			if raw, err = f.data(); err == nil {
				m.Filters, err = decodeFilters(raw)
			}
		}
		return err
	})
}

// LatestRequest asks for the newest event per process for each content type.
type LatestRequest struct {
	System       identity.PublicKey
	ContentTypes []uint64
	Filters      []moderation.Filter
}

func (m *LatestRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(m.System))
	b = appendPacked(b, 2, m.ContentTypes)
	if len(m.Filters) > 0 {
		b = appendBytes(b, 3, encodeFilters(m.Filters))
	}
	return b, nil
}

func (m *LatestRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.System, err = decodeKeyField(f)
		case 2:
			var vs []uint64
			if vs, err = f.uints(); err == nil {
				m.ContentTypes = append(m.ContentTypes, vs...)
			}
		case 3:
			var raw []byte
			if raw, err = f.data(); err == nil {
				m.Filters, err = decodeFilters(raw)
			}
		}
		return err
	})
}

// CountLWWElementReferences asks for the number of referencing events whose
// LWW element value equals Value.
type CountLWWElementReferences struct {
	Value    []byte
	FromType *uint64
}

// CountReferences asks for the number of referencing events.
type CountReferences struct {
	FromType *uint64
}

func encodeCountLWW(c CountLWWElementReferences) []byte {
	var b []byte
	b = appendBytes(b, 1, c.Value)
	if c.FromType != nil {
		b = appendUint(b, 2, *c.FromType)
	}
	return b
}

func decodeCountLWW(b []byte) (CountLWWElementReferences, error) {
	var c CountLWWElementReferences
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.data()
			if err != nil {
				return err
			}
			c.Value = clone(v)
		case 2:
			v, err := f.uint()
			if err != nil {
				return err
			}
			c.FromType = &v
		}
		return nil
	})
	return c, err
}

func encodeCountRefs(c CountReferences) []byte {
	if c.FromType == nil {
		return nil
	}
	return appendUint(nil, 1, *c.FromType)
}

func decodeCountRefs(b []byte) (CountReferences, error) {
	var c CountReferences
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		v, err := f.uint()
		if err != nil {
			return err
		}
		c.FromType = &v
		return nil
	})
	return c, err
}

// ReferenceRequestEvents selects referencing events and per-item counts.
type ReferenceRequestEvents struct {
	FromType        *uint64
	CountLWW        []CountLWWElementReferences
	CountReferences []CountReferences
}

// QueryReferencesRequest asks for events referencing Subject.
type QueryReferencesRequest struct {
	Subject         model.Reference
	Cursor          []byte
	RequestEvents   *ReferenceRequestEvents
	CountLWW        []CountLWWElementReferences
	CountReferences []CountReferences
	Filters         []moderation.Filter
}

func (m *QueryReferencesRequest) MarshalWire() ([]byte, error) {
	if m.Subject == nil {
		return nil, malformed("query references: missing subject")
	}
	var b []byte
	b = appendBytes(b, 1, EncodeReference(m.Subject))
	if m.Cursor != nil {
		b = appendBytes(b, 2, m.Cursor)
	}
	if re := m.RequestEvents; re != nil {
		var inner []byte
		if re.FromType != nil {
			inner = appendUint(inner, 1, *re.FromType)
		}
		for _, c := range re.CountLWW {
			inner = appendBytes(inner, 2, encodeCountLWW(c))
		}
		for _, c := range re.CountReferences {
			inner = appendBytes(inner, 3, encodeCountRefs(c))
		}
		b = appendBytes(b, 3, inner)
	}
	for _, c := range m.CountLWW {
		b = appendBytes(b, 4, encodeCountLWW(c))
	}
	for _, c := range m.CountReferences {
		b = appendBytes(b, 5, encodeCountRefs(c))
	}
	if len(m.Filters) > 0 {
		b = appendBytes(b, 6, encodeFilters(m.Filters))
	}
	return b, nil
}

func (m *QueryReferencesRequest) UnmarshalWire(b []byte) error {
	err := walk(b, func(f field) error {
		if f.num < 1 || f.num > 6 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			m.Subject, err = DecodeReference(raw)
		case 2:
			m.Cursor = clone(raw)
		case 3:
			m.RequestEvents, err = decodeRequestEvents(raw)
		case 4:
			var c CountLWWElementReferences
			if c, err = decodeCountLWW(raw); err == nil {
				m.CountLWW = append(m.CountLWW, c)
			}
		case 5:
			var c CountReferences
			if c, err = decodeCountRefs(raw); err == nil {
				m.CountReferences = append(m.CountReferences, c)
			}
		case 6:
			m.Filters, err = decodeFilters(raw)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("query references: %w", err)
	}
	if m.Subject == nil {
		return malformed("query references: missing subject")
	}
	return nil
}

func decodeRequestEvents(b []byte) (*ReferenceRequestEvents, error) {
	re := &ReferenceRequestEvents{}
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint()
			if err != nil {
				return err
			}
			re.FromType = &v
		case 2:
			raw, err := f.data()
			if err != nil {
				return err
			}
			c, err := decodeCountLWW(raw)
			if err != nil {
				return err
			}
			re.CountLWW = append(re.CountLWW, c)
		case 3:
			raw, err := f.data()
			if err != nil {
				return err
			}
			c, err := decodeCountRefs(raw)
			if err != nil {
				return err
			}
			re.CountReferences = append(re.CountReferences, c)
		}
		return nil
	})
	return re, err
}

// ReferenceItem is one referencing event with its requested counts.
type ReferenceItem struct {
	Event  model.SignedEvent
	Counts []uint64
}

// QueryReferencesResponse is a page of referencing events.
type QueryReferencesResponse struct {
	Items  []ReferenceItem
	Cursor []byte
	Counts []uint64
}

func (m *QueryReferencesResponse) MarshalWire() ([]byte, error) {
	var b []byte
	for _, it := range m.Items {
		var inner []byte
		inner = appendBytes(inner, 1, EncodeSignedEvent(it.Event))
		inner = appendPacked(inner, 2, it.Counts)
		b = appendBytes(b, 1, inner)
	}
	if m.Cursor != nil {
		b = appendBytes(b, 3, m.Cursor)
	}
	b = appendPacked(b, 4, m.Counts)
	return b, nil
}

func (m *QueryReferencesResponse) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.data()
			if err != nil {
				return err
			}
			var it ReferenceItem
			err = walk(raw, func(g field) error {
				switch g.num {
				case 1:
					ev, err := g.data()
					if err != nil {
						return err
					}
					if it.Event, err = ParseSignedEvent(ev); err != nil {
						return err
					}
				case 2:
					vs, err := g.uints()
					if err != nil {
						return err
					}
					it.Counts = append(it.Counts, vs...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Items = append(m.Items, it)
		case 3:
			raw, err := f.data()
			if err != nil {
				return err
			}
			m.Cursor = clone(raw)
		case 4:
			vs, err := f.uints()
			if err != nil {
				return err
			}
			m.Counts = append(m.Counts, vs...)
		}
		return nil
	})
}

// ClaimsRequest asks for claims of ClaimType vouched for by TrustRoot.
// Exactly one of MatchAnyField and MatchAllFields is used.
type ClaimsRequest struct {
	ClaimType      uint64
	TrustRoot      identity.PublicKey
	MatchAnyField  *string
	MatchAllFields []model.ClaimField
	Filters        []moderation.Filter
}

func (m *ClaimsRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, m.ClaimType)
	b = appendBytes(b, 2, EncodePublicKey(m.TrustRoot))
	if m.MatchAnyField != nil {
		b = appendString(b, 3, *m.MatchAnyField)
	}
	for _, fld := range m.MatchAllFields {
		var entry []byte
		entry = appendUint(entry, 1, fld.Key)
		entry = appendString(entry, 2, fld.Value)
		b = appendBytes(b, 4, entry)
	}
	if len(m.Filters) > 0 {
		b = appendBytes(b, 5, encodeFilters(m.Filters))
	}
	return b, nil
}

func (m *ClaimsRequest) UnmarshalWire(b []byte) error {
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.uint()
			if err != nil {
				return err
			}
			m.ClaimType = v
		case 2:
			pk, err := decodeKeyField(f)
			if err != nil {
				return err
			}
			m.TrustRoot = pk
		case 3:
			raw, err := f.data()
			if err != nil {
				return err
			}
			s := string(raw)
			m.MatchAnyField = &s
		case 4:
			raw, err := f.data()
			if err != nil {
				return err
			}
			fld, err := decodeClaimField(raw)
			if err != nil {
				return err
			}
			m.MatchAllFields = append(m.MatchAllFields, fld)
		case 5:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if m.Filters, err = decodeFilters(raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("claims request: %w", err)
	}
	if m.MatchAnyField == nil && len(m.MatchAllFields) == 0 {
		return malformed("claims request: no field predicate")
	}
	return nil
}

// FindClaimAndVouchRequest asks whether Vouching vouches for a claim by Claiming.
type FindClaimAndVouchRequest struct {
	Vouching  identity.PublicKey
	Claiming  identity.PublicKey
	ClaimType uint64
	Fields    []model.ClaimField
	Filters   []moderation.Filter
}

func (m *FindClaimAndVouchRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(m.Vouching))
	b = appendBytes(b, 2, EncodePublicKey(m.Claiming))
	b = appendUint(b, 3, m.ClaimType)
	for _, fld := range m.Fields {
		var entry []byte
		entry = appendUint(entry, 1, fld.Key)
		entry = appendString(entry, 2, fld.Value)
		b = appendBytes(b, 4, entry)
	}
	if len(m.Filters) > 0 {
		b = appendBytes(b, 5, encodeFilters(m.Filters))
	}
	return b, nil
}

func (m *FindClaimAndVouchRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1, 2:
			pk, err := decodeKeyField(f)
			if err != nil {
				return err
			}
			if f.num == 1 {
				m.Vouching = pk
			} else {
				m.Claiming = pk
			}
		case 3:
			v, err := f.uint()
			if err != nil {
				return err
			}
			m.ClaimType = v
		case 4:
			raw, err := f.data()
			if err != nil {
				return err
			}
			fld, err := decodeClaimField(raw)
			if err != nil {
				return err
			}
			m.Fields = append(m.Fields, fld)
		case 5:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if m.Filters, err = decodeFilters(raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimsResponse lists claims with their proof chains (the vouch events).
type ClaimsResponse struct{ Matches []model.ClaimAndVouch }

func (m *ClaimsResponse) MarshalWire() ([]byte, error) {
	var b []byte
	for _, cv := range m.Matches {
		var inner []byte
		inner = appendBytes(inner, 1, EncodeSignedEvent(cv.Claim))
		inner = appendBytes(inner, 2, EncodeSignedEvent(cv.Vouch))
		b = appendBytes(b, 1, inner)
	}
	return b, nil
}

func (m *ClaimsResponse) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		var cv model.ClaimAndVouch
		err = walk(raw, func(g field) error {
			if g.num != 1 && g.num != 2 {
				return nil
			}
			ev, err := g.data()
			if err != nil {
				return err
			}
			se, err := ParseSignedEvent(ev)
			if err != nil {
				return err
			}
			switch g.num {
			case 1:
				cv.Claim = se
			case 2:
				cv.Vouch = se
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.Matches = append(m.Matches, cv)
		return nil
	})
}

// ExploreRequest pages through recent posts. Cursor is the opaque base64 URL form.
type ExploreRequest struct {
	Cursor  string
	Limit   uint64
	Filters []moderation.Filter
}

func (m *ExploreRequest) MarshalWire() ([]byte, error) {
	var b []byte
	if m.Cursor != "" {
		b = appendString(b, 1, m.Cursor)
	}
	b = appendUint(b, 2, m.Limit)
	if len(m.Filters) > 0 {
		b = appendBytes(b, 3, encodeFilters(m.Filters))
	}
	return b, nil
}

func (m *ExploreRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.data()
			if err != nil {
				return err
			}
			m.Cursor = string(raw)
		case 2:
			v, err := f.uint()
			if err != nil {
				return err
			}
			m.Limit = v
		case 3:
			raw, err := f.data()
			if err != nil {
				return err
			}
			if m.Filters, err = decodeFilters(raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExploreResponse is a page of events plus the cursor of the next page.
type ExploreResponse struct {
	Events []model.SignedEvent
	Cursor string
}

func (m *ExploreResponse) MarshalWire() ([]byte, error) {
	var b []byte
	for _, e := range m.Events {
		b = appendBytes(b, 1, EncodeSignedEvent(e))
	}
	if m.Cursor != "" {
		b = appendString(b, 2, m.Cursor)
	}
	return b, nil
}

func (m *ExploreResponse) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		if f.num != 1 && f.num != 2 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			se, err := ParseSignedEvent(raw)
			if err != nil {
				return err
			}
			m.Events = append(m.Events, se)
		case 2:
			m.Cursor = string(raw)
		}
		return nil
	})
}

// SearchRequest is a full-text query against the side index.
type SearchRequest struct {
	Query string
	Limit uint64
}

func (m *SearchRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Query)
	b = appendUint(b, 2, m.Limit)
	return b, nil
}

func (m *SearchRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			raw, err := f.data()
			if err != nil {
				return err
			}
			m.Query = string(raw)
		case 2:
			v, err := f.uint()
			if err != nil {
				return err
			}
			m.Limit = v
		}
		return nil
	})
}

// SearchResponse lists ranked document ids.
type SearchResponse struct{ IDs []string }

func (m *SearchResponse) MarshalWire() ([]byte, error) {
	var b []byte
	for _, id := range m.IDs {
		b = appendString(b, 1, id)
	}
	return b, nil
}

func (m *SearchResponse) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		m.IDs = append(m.IDs, string(raw))
		return nil
	})
}

// ChallengeResponse carries a challenge body to be signed by the client.
type ChallengeResponse struct{ Body string }

func (m *ChallengeResponse) MarshalWire() ([]byte, error) { return appendString(nil, 1, m.Body), nil }

func (m *ChallengeResponse) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		m.Body = string(raw)
		return nil
	})
}

// ChallengeMessage is what a client signs to claim handle with a challenge
// token: the token, a zero byte, then the handle.
func ChallengeMessage(token, handle string) []byte {
	msg := make([]byte, 0, len(token)+1+len(handle))
	msg = append(msg, token...)
	msg = append(msg, 0)
	return append(msg, handle...)
}

// ClaimHandleRequest binds Handle to System, proven by a signed challenge.
type ClaimHandleRequest struct {
	System    identity.PublicKey
	Handle    string
	Challenge string
	Signature []byte
}

func (m *ClaimHandleRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, EncodePublicKey(m.System))
	b = appendString(b, 2, m.Handle)
	b = appendString(b, 3, m.Challenge)
	b = appendBytes(b, 4, m.Signature)
	return b, nil
}

func (m *ClaimHandleRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		if f.num < 1 || f.num > 4 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			if m.System, err = DecodePublicKey(raw); err != nil {
				return err
			}
		case 2:
			m.Handle = string(raw)
		case 3:
			m.Challenge = string(raw)
		case 4:
			m.Signature = clone(raw)
		}
		return nil
	})
}

// HandleRequest names a handle to resolve.
type HandleRequest struct{ Handle string }

func (m *HandleRequest) MarshalWire() ([]byte, error) { return appendString(nil, 1, m.Handle), nil }

func (m *HandleRequest) UnmarshalWire(b []byte) error {
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.data()
		if err != nil {
			return err
		}
		m.Handle = string(raw)
		return nil
	})
}

// PublicKeyMessage wraps a system key. An empty message carries no key.
type PublicKeyMessage struct{ System identity.PublicKey }

// Found reports whether the message carries a key.
func (m *PublicKeyMessage) Found() bool { return len(m.System.Key) > 0 }

func (m *PublicKeyMessage) MarshalWire() ([]byte, error) {
	if !m.Found() {
		return nil, nil
	}
	return EncodePublicKey(m.System), nil
}

func (m *PublicKeyMessage) UnmarshalWire(b []byte) (err error) {
	m.System, err = DecodePublicKey(b)
	return err
}
