package agents

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"govchat-api/internal/domain"
)

// annotation is one entry of a text part's annotations array. Only the
// fields used for citations are decoded.
type annotation struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	URLCitation  *urlCitation  `json:"url_citation,omitempty"`
	FileCitation *fileCitation `json:"file_citation,omitempty"`
}

type urlCitation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type fileCitation struct {
	FileID string `json:"file_id"`
	Quote  string `json:"quote"`
}

var bareURLPattern = regexp.MustCompile(`https?://[^\s<>"'\])]+`)

// citationsFromAnnotations converts annotations into citations in order.
// file_citation entries carry the file id in URL until a resolver maps it.
func citationsFromAnnotations(annotations []annotation) []domain.Citation {
	out := make([]domain.Citation, 0, len(annotations))
	for i, a := range annotations {
		n := i + 1
		switch {
		case a.Type == "url_citation" && a.URLCitation != nil:
			title := strings.TrimSpace(a.URLCitation.Title)
			if title == "" || isDocPlaceholder(title) {
				if derived := titleFromURL(a.URLCitation.URL); derived != "" {
					title = derived
				}
			}
			if title == "" {
				title = fmt.Sprintf("Search Result %d", n)
			}
			out = append(out, domain.Citation{Title: title, URL: strings.TrimSpace(a.URLCitation.URL)})
		case a.Type == "file_citation" && a.FileCitation != nil:
			out = append(out, domain.Citation{
				Title:   fmt.Sprintf("Document %d", n),
				URL:     strings.TrimSpace(a.FileCitation.FileID),
				Snippet: strings.TrimSpace(a.FileCitation.Quote),
			})
		default:
			for _, u := range bareURLPattern.FindAllString(a.Text, -1) {
				out = append(out, domain.Citation{Title: fmt.Sprintf("Reference %d", n), URL: u})
			}
		}
	}
	return out
}

func isDocPlaceholder(title string) bool {
	return strings.HasPrefix(strings.ToLower(title), "doc_")
}

// isGenericTitle reports whether title is one of the placeholders assigned
// by citationsFromAnnotations.
func isGenericTitle(title string) bool {
	return title == "" ||
		isDocPlaceholder(title) ||
		strings.HasPrefix(title, "Document ") ||
		strings.HasPrefix(title, "Search Result ")
}

// titleFromURL derives a readable title from a document URL, using the
// file query parameter when present and otherwise a .pdf or .docx path
// basename. It returns "" when neither applies.
func titleFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	name := u.Query().Get("file")
	if name == "" {
		base := path.Base(u.Path)
		lower := strings.ToLower(base)
		if !strings.HasSuffix(lower, ".pdf") && !strings.HasSuffix(lower, ".docx") {
			return ""
		}
		name = base
	}
	name = path.Base(name)
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return titleCase(strings.Join(strings.Fields(name), " "))
}

// titleCase upper-cases the first letter of every word and lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	startOfWord := true
	for _, r := range s {
		if unicode.IsLetter(r) {
			if startOfWord {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			startOfWord = false
			continue
		}
		b.WriteRune(r)
		startOfWord = true
	}
	return b.String()
}
