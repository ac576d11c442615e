package model

// Content is the decoded payload of an event, keyed by content type.
// Variants: PostContent, DeleteContent, ClaimContent, LWWContent, UnknownContent.
type Content interface{ isContent() }

// PostContent is a plain post.
type PostContent struct{ Text string }

// DeleteContent is a tombstone request.
type DeleteContent struct{ Delete Delete }

// ClaimContent is a claim assertion.
type ClaimContent struct{ Claim Claim }

// LWWContent is the payload of a register-style type (username, avatar, ...).
// The authoritative value lives in the event's LWW element.
type LWWContent struct{ Raw []byte }

// UnknownContent is any content type the store does not specifically index.
type UnknownContent struct {
	ContentType uint64
	Raw         []byte
}

func (PostContent) isContent()    {}
func (DeleteContent) isContent()  {}
func (ClaimContent) isContent()   {}
func (LWWContent) isContent()     {}
func (UnknownContent) isContent() {}

// IsLWWType reports whether events of contentType model a last-writer-wins register.
func IsLWWType(contentType uint64) bool {
	switch contentType {
	case ContentTypeUsername, ContentTypeDescription, ContentTypeAvatar,
		ContentTypeBanner, ContentTypeServer, ContentTypeOpinion, ContentTypeStore, ContentTypeAuthority:
		return true
	default:
		return false
	}
}
