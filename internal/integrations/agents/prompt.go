package agents

import "govchat-api/internal/domain"

const (
	searchFraming = " - is the user's search question. - provide a traditional bing search response - i.e. a comprehensive list of all web pages with clickable urls that contain the search term provided - sorted by decreasing relevance"
	chatFraming   = "\n\nIMPORTANT: Format your response to be clear and readable. Use proper line breaks, bullet points, and paragraph spacing as appropriate for the content."
)

// frameMessage appends the mode-specific instruction to the user's message.
func frameMessage(content string, mode domain.Mode) string {
	if mode == domain.ModeSearch {
		return content + searchFraming
	}
	return content + chatFraming
}
