package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
)

const (
	contentAnalyzer    = "contentEdgeNgram"
	contentTokenFilter = "contentEdgeFilter"
	defaultLimit       = 25
)

// Bleve is an Index backed by a bleve index. Content is analyzed with
// lowercase edge n-grams so that prefixes of three or more runes match.
type Bleve struct {
	bi bleve.Index
}

func buildMapping() (mapping.IndexMapping, error) {
	doc := bleve.NewDocumentMapping()
	content := bleve.NewTextFieldMapping()
	content.Analyzer = contentAnalyzer
	doc.AddFieldMappingsAt("content", content)
	kind := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("kind", kind)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = contentAnalyzer

	if err := m.AddCustomTokenFilter(contentTokenFilter, map[string]any{
		"type": edgengram.Name,
		"min":  3.0,
		"max":  25.0,
	}); err != nil {
		return nil, fmt.Errorf("add token filter: %w", err)
	}
	if err := m.AddCustomAnalyzer(contentAnalyzer, map[string]any{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name, contentTokenFilter},
	}); err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}
	return m, nil
}

// OpenBleve opens the index at path, creating it when missing. An empty
// path builds an in-memory index.
func OpenBleve(path string) (*Bleve, error) {
	m, err := buildMapping()
	if err != nil {
		return nil, err
	}
	if path == "" {
		bi, err := bleve.NewMemOnly(m)
		if err != nil {
			return nil, fmt.Errorf("bleve: %w", err)
		}
		return &Bleve{bi: bi}, nil
	}
	bi, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		bi, err = bleve.New(path, m)
	}
	if err != nil {
		return nil, fmt.Errorf("bleve %s: %w", path, err)
	}
	return &Bleve{bi: bi}, nil
}

func (b *Bleve) Index(_ context.Context, id string, doc Document) error {
	return b.bi.Index(id, doc)
}

func (b *Bleve) Remove(_ context.Context, id string) error {
	return b.bi.Delete(id)
}

// Search returns document ids ordered by relevance.
func (b *Bleve) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	match := bleve.NewMatchQuery(query)
	match.SetField("content")
	match.Analyzer = contentAnalyzer
	req := bleve.NewSearchRequestOptions(match, limit, 0, false)

	res, err := b.bi.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if hit == nil || hit.ID == "" {
			continue
		}
		out = append(out, hit.ID)
	}
	return out, nil
}

func (b *Bleve) Close() error { return b.bi.Close() }
