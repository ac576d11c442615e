// Package search maintains the full-text side index over posts and profiles.
// It is eventually consistent and never authoritative.
package search

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// Document kinds.
const (
	KindPost    = "post"
	KindProfile = "profile"
)

// Document is the indexed form of an event.
type Document struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Index is the search capability.
type Index interface {
	Index(ctx context.Context, id string, doc Document) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Close() error
}

// PostID is the document id of a post. It omits the digest so that a
// DELETE, which names only process and clock, can remove the document.
func PostID(system identity.PublicKey, process model.Process, clock uint64) string {
	return fmt.Sprintf("post:%s:%s:%d",
		base64.RawURLEncoding.EncodeToString(protocol.EncodePublicKey(system)),
		base64.RawURLEncoding.EncodeToString(process[:]), clock)
}

// DocumentFor maps an event to its document. ok is false for events that
// are not searchable.
func DocumentFor(se model.SignedEvent) (id string, doc Document, ok bool) {
	ev := se.Event
	if ev == nil {
		return "", Document{}, false
	}
	switch ev.ContentType {
	case model.ContentTypePost:
		text, err := protocol.DecodePost(ev.Content)
		if err != nil || text == "" {
			return "", Document{}, false
		}
		return PostID(ev.System, ev.Process, ev.LogicalClock), Document{Kind: KindPost, Content: text}, true
	case model.ContentTypeUsername, model.ContentTypeDescription:
		if ev.LWWElement == nil || !utf8.Valid(ev.LWWElement.Value) {
			return "", Document{}, false
		}
		id := fmt.Sprintf("profile:%s:%s",
			strconv.FormatUint(ev.ContentType, 10),
			base64.RawURLEncoding.EncodeToString(protocol.EncodePublicKey(ev.System)))
		return id, Document{Kind: KindProfile, Content: string(ev.LWWElement.Value)}, true
	}
	return "", Document{}, false
}

// Noop indexes nothing and finds nothing.
type Noop struct{}

func (Noop) Index(context.Context, string, Document) error         { return nil }
func (Noop) Remove(context.Context, string) error                  { return nil }
func (Noop) Search(context.Context, string, int) ([]string, error) { return nil, nil }
func (Noop) Close() error                                          { return nil }

// New selects an index by provider name. An empty path keeps a bleve
// index in memory.
func New(provider, path string) (Index, error) {
	switch provider {
	case "", "noop":
		return Noop{}, nil
	case "bleve":
		return OpenBleve(path)
	default:
		return nil, fmt.Errorf("unknown search provider %q", provider)
	}
}
