package agents

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
)

// OptionalGetter reads a parameter that may legitimately be absent.
type OptionalGetter interface {
	GetOptionalParameter(ctx context.Context, name string) (string, bool, error)
}

// CitationResolver rewrites document-id citations to public URLs using a
// filename,url CSV stored in <prefix>/citation_url_map. The map is loaded on
// first use; a failed load is retried on the next call.
type CitationResolver struct {
	getter OptionalGetter
	name   string

	mu     sync.Mutex
	loaded bool
	urls   map[string]string
}

func NewCitationResolver(getter OptionalGetter, paramPrefix string) (*CitationResolver, error) {
	if getter == nil {
		return nil, errors.New("agents: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("agents: parameter prefix must not be empty")
	}
	return &CitationResolver{getter: getter, name: paramPrefix + "/citation_url_map"}, nil
}

// NewStaticCitationResolver builds a resolver over a fixed mapping.
func NewStaticCitationResolver(urls map[string]string) *CitationResolver {
	m := make(map[string]string, len(urls))
	for k, v := range urls {
		m[k] = v
	}
	return &CitationResolver{loaded: true, urls: m}
}

// Resolve returns a copy of citations with mapped URLs and, for generic
// titles, a title derived from the mapped URL. Citations already carrying
// an http(s) URL are left alone.
func (r *CitationResolver) Resolve(ctx context.Context, citations []domain.Citation) []domain.Citation {
	if len(citations) == 0 {
		return citations
	}
	urls, err := r.mapping(ctx)
	if err != nil {
		observability.FromContext(ctx).Warn("citation url map unavailable", "err", err)
		return citations
	}
	out := make([]domain.Citation, len(citations))
	copy(out, citations)
	if len(urls) == 0 {
		return out
	}
	for i, c := range out {
		id := strings.TrimSpace(c.URL)
		if id == "" || isHTTPURL(id) {
			continue
		}
		mapped, ok := lookupURL(urls, id)
		if !ok || mapped == id {
			continue
		}
		out[i].URL = mapped
		if isGenericTitle(c.Title) {
			if derived := titleFromURL(mapped); derived != "" {
				out[i].Title = derived
			}
		}
	}
	return out
}

func (r *CitationResolver) mapping(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.urls, nil
	}
	raw, found, err := r.getter.GetOptionalParameter(ctx, r.name)
	if err != nil {
		return nil, fmt.Errorf("agents: load citation url map: %w", err)
	}
	if !found {
		observability.FromContext(ctx).Warn("citation url map parameter not found", "parameter", r.name)
		r.urls, r.loaded = map[string]string{}, true
		return r.urls, nil
	}
	urls, err := parseURLMap(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}
	r.urls, r.loaded = urls, true
	observability.FromContext(ctx).Info("loaded citation url map", "entries", len(urls))
	return urls, nil
}

// parseURLMap reads filename,url rows. Each filename is also registered
// without its extension. Rows missing either column are skipped.
func parseURLMap(rd io.Reader) (map[string]string, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	urls := make(map[string]string)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("agents: parse citation url map: %w", err)
		}
		if len(row) < 2 {
			continue
		}
		name := strings.TrimPrefix(strings.TrimSpace(row[0]), "\ufeff")
		u := strings.TrimSpace(row[1])
		if name == "" || u == "" {
			continue
		}
		urls[name] = u
		if base := strings.TrimSuffix(name, path.Ext(name)); base != name && base != "" {
			if _, exists := urls[base]; !exists {
				urls[base] = u
			}
		}
	}
	return urls, nil
}

func lookupURL(urls map[string]string, id string) (string, bool) {
	for _, key := range []string{id, id + ".pdf", id + ".docx"} {
		if u, ok := urls[key]; ok {
			return u, true
		}
	}
	return "", false
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
