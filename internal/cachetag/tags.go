// Package cachetag derives edge-cache tags from events and purges them
// through a configured provider.
package cachetag

import (
	"encoding/base64"
	"strconv"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// SystemTag invalidates every feed of contentType authored by system.
func SystemTag(contentType uint64, system identity.PublicKey) string {
	return strconv.FormatUint(contentType, 10) + ":" +
		base64.RawURLEncoding.EncodeToString(protocol.EncodePublicKey(system))
}

// PostTag invalidates a single event.
func PostTag(p model.Pointer) string {
	return "post:" + base64.RawURLEncoding.EncodeToString(protocol.EncodePointer(p))
}

// TagsFor returns the tags to purge after se is stored.
func TagsFor(se model.SignedEvent) []string {
	if se.Event == nil {
		return nil
	}
	ev := se.Event
	switch ev.ContentType {
	case model.ContentTypePost, model.ContentTypeDelete, model.ContentTypeClaim, model.ContentTypeVouch:
		return []string{SystemTag(ev.ContentType, ev.System), PostTag(se.Pointer())}
	case model.ContentTypeUsername, model.ContentTypeAvatar, model.ContentTypeBanner,
		model.ContentTypeDescription, model.ContentTypeServer:
		return []string{SystemTag(ev.ContentType, ev.System)}
	default:
		return nil
	}
}

// TagsForRaw is TagsFor over an encoded SignedEvent message. Anything that
// does not decode yields no tags.
func TagsForRaw(b []byte) []string {
	se, err := protocol.ParseSignedEvent(b)
	if err != nil {
		return nil
	}
	return TagsFor(se)
}
