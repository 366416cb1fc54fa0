package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// Handle is the opaque conversation handle issued by the agent backend.
// An empty Handle means the client has not started a conversation yet.
type Handle string

func (h Handle) IsZero() bool {
	return strings.TrimSpace(string(h)) == ""
}

func (h Handle) String() string {
	return string(h)
}

// Mode selects prompt framing downstream. It does not change agent ordering.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeSearch Mode = "search"
)

// ParseMode accepts the two wire values; an empty string defaults to chat.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.TrimSpace(s)) {
	case "", ModeChat:
		return ModeChat, nil
	case ModeSearch:
		return ModeSearch, nil
	default:
		return "", fmt.Errorf("domain: unknown mode %q", s)
	}
}

func (m Mode) Valid() bool {
	return m == ModeChat || m == ModeSearch
}

// AgentSource records which agent produced the final answer.
type AgentSource string

const (
	SourcePrimary  AgentSource = "primary"
	SourceFallback AgentSource = "fallback"
)

// Message is a single user utterance entering the orchestrator.
type Message struct {
	Content string
	Handle  Handle
	Mode    Mode
}

// Citation is a source reference attached to an agent answer.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// HasLink reports whether the citation can be rendered as a clickable link:
// an absolute http or https URL with a host. Empty URLs, the "#" placeholder
// and unresolved document ids do not count.
func (c Citation) HasLink() bool {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// AgentRequest is the input of one agent call.
type AgentRequest struct {
	Content string
	Handle  Handle
	Mode    Mode
	// Handoff is set when the request continues a thread whose latest user
	// message is already Content, so the agent must not post it again.
	Handoff bool
}

// AgentReply is the normalized output of one agent call.
type AgentReply struct {
	Text      string
	Handle    Handle
	Citations []Citation
}

// PrimaryKind discriminates the primary agent's outcome.
type PrimaryKind int

const (
	PrimaryAnswered PrimaryKind = iota + 1
	PrimaryNoResults
)

func (k PrimaryKind) String() string {
	switch k {
	case PrimaryAnswered:
		return "answered"
	case PrimaryNoResults:
		return "no_results"
	default:
		return "unknown"
	}
}

// PrimaryResult is what the primary agent adapter returns. For
// PrimaryNoResults only Reply.Handle is meaningful.
type PrimaryResult struct {
	Kind  PrimaryKind
	Reply AgentReply
}

// AgentResponse is the orchestrator's unified answer for one request.
type AgentResponse struct {
	Text      string
	Handle    Handle
	Citations []Citation
	Source    AgentSource
	// NoResults is set when the primary agent found nothing and no fallback
	// agent is configured. Text is empty in that case.
	NoResults bool
}
