package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"govchat-api/internal/domain"
)

const (
	maxSearchResults    = 20
	answerSnippetLen    = 250
	maxParsedTitleLen   = 200
	maxParsedSnippetLen = 500
)

// SearchResult is one entry of the search-mode result list.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

var (
	paragraphSplit  = regexp.MustCompile(`\n\n+`)
	markdownLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	bareURL         = regexp.MustCompile(`https?://[^\s)]+`)
	bareURLInTitle  = regexp.MustCompile(`https?://\S+`)
	leadingNumber   = regexp.MustCompile(`^\*{0,2}\d+\.\s*\*{0,2}\s*`)
	trailingDashRun = regexp.MustCompile(`\s*-\s*$`)
)

// BuildSearchResults turns a search-mode answer into a result list. Linked
// citations are used first (at most 20); without any, the answer's
// paragraphs are parsed for markdown links or bare URLs. It returns nil in
// chat mode or when nothing well-formed is found.
func BuildSearchResults(answer string, citations []domain.Citation, mode domain.Mode) []SearchResult {
	if mode != domain.ModeSearch {
		return nil
	}
	if results := resultsFromCitations(answer, citations); len(results) > 0 {
		return results
	}
	return resultsFromText(answer)
}

func resultsFromCitations(answer string, citations []domain.Citation) []SearchResult {
	if len(citations) > maxSearchResults {
		citations = citations[:maxSearchResults]
	}
	var results []SearchResult
	for _, c := range citations {
		if !c.HasLink() {
			continue
		}
		title := c.Title
		if title == "" {
			title = fmt.Sprintf("Result %d", len(results)+1)
		}
		snippet := c.Snippet
		if snippet == "" {
			snippet = truncateRunes(answer, answerSnippetLen)
		}
		results = append(results, SearchResult{Title: title, URL: strings.TrimSpace(c.URL), Snippet: snippet})
	}
	return results
}

func resultsFromText(answer string) []SearchResult {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil
	}
	var results []SearchResult
	for _, para := range paragraphSplit.Split(answer, -1) {
		if strings.TrimSpace(para) == "" {
			continue
		}
		var title, url string
		if m := markdownLink.FindStringSubmatch(para); m != nil {
			title = leadingNumber.ReplaceAllString(strings.TrimSpace(m[1]), "")
			url = strings.TrimSpace(m[2])
		} else {
			url = bareURL.FindString(para)
			title = strings.TrimSpace(strings.SplitN(para, "\n", 2)[0])
			title = leadingNumber.ReplaceAllString(title, "")
			title = strings.TrimSpace(bareURLInTitle.ReplaceAllString(title, ""))
			title = strings.TrimSpace(trailingDashRun.ReplaceAllString(title, ""))
		}

		snippet := para
		if _, rest, ok := strings.Cut(para, "\n"); ok {
			snippet = strings.TrimSpace(rest)
		}

		if title == "" || url == "" || url == "#" {
			continue
		}
		results = append(results, SearchResult{
			Title:   truncateRunes(title, maxParsedTitleLen),
			URL:     url,
			Snippet: truncateRunes(snippet, maxParsedSnippetLen),
		})
	}
	return results
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
