package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Subject is the material handed to tagging providers.
type Subject struct {
	EventID     int64
	ContentType uint64
	Text        string
	Raw         []byte
}

// Tagger assigns moderation tags to an event.
type Tagger interface {
	Moderate(ctx context.Context, s Subject) (Tags, error)
}

// CSAMScanner reports whether an event must be treated as CSAM.
type CSAMScanner interface {
	Scan(ctx context.Context, s Subject) (flagged bool, err error)
}

// NoopTagger marks every event processed with no tags.
type NoopTagger struct{}

func (NoopTagger) Moderate(context.Context, Subject) (Tags, error) { return Tags{}, nil }

// NoopScanner never flags.
type NoopScanner struct{}

func (NoopScanner) Scan(context.Context, Subject) (bool, error) { return false, nil }

// HTTPTagger posts subjects to an external classification endpoint which
// answers {"tags": {"name": level}}.
type HTTPTagger struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewHTTPTagger constructs a tagger with a bounded request timeout.
func NewHTTPTagger(url, token string, timeout time.Duration) *HTTPTagger {
	return &HTTPTagger{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

type httpTagRequest struct {
	ID          int64  `json:"id"`
	ContentType uint64 `json:"content_type"`
	Text        string `json:"text,omitempty"`
}

type httpTagResponse struct {
	Tags    map[string]int `json:"tags"`
	Flagged bool           `json:"flagged"`
}

func (t *HTTPTagger) call(ctx context.Context, s Subject) (httpTagResponse, error) {
	body, err := json.Marshal(httpTagRequest{ID: s.EventID, ContentType: s.ContentType, Text: s.Text})
	if err != nil {
		return httpTagResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return httpTagResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return httpTagResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return httpTagResponse{}, fmt.Errorf("tagger: status %d", resp.StatusCode)
	}
	var out httpTagResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return httpTagResponse{}, fmt.Errorf("tagger: decode: %w", err)
	}
	return out, nil
}

// Moderate implements Tagger.
func (t *HTTPTagger) Moderate(ctx context.Context, s Subject) (Tags, error) {
	out, err := t.call(ctx, s)
	if err != nil {
		return nil, err
	}
	if out.Tags == nil {
		return Tags{}, nil
	}
	return Tags(out.Tags), nil
}

// Scan implements CSAMScanner using the same endpoint's "flagged" field.
func (t *HTTPTagger) Scan(ctx context.Context, s Subject) (bool, error) {
	out, err := t.call(ctx, s)
	if err != nil {
		return false, err
	}
	return out.Flagged, nil
}

// NewTagger selects a tagging provider by name.
func NewTagger(name, url, token string, timeout time.Duration) (Tagger, error) {
	switch name {
	case "", "noop":
		return NoopTagger{}, nil
	case "http":
		if url == "" {
			return nil, fmt.Errorf("tagger %q: url required", name)
		}
		return NewHTTPTagger(url, token, timeout), nil
	default:
		return nil, fmt.Errorf("unknown tagger %q", name)
	}
}

// NewScanner selects a CSAM provider by name.
func NewScanner(name, url, token string, timeout time.Duration) (CSAMScanner, error) {
	switch name {
	case "", "noop":
		return NoopScanner{}, nil
	case "http":
		if url == "" {
			return nil, fmt.Errorf("csam scanner %q: url required", name)
		}
		return NewHTTPTagger(url, token, timeout), nil
	default:
		return nil, fmt.Errorf("unknown csam scanner %q", name)
	}
}
