package domain

// Turn is one completed request/response cycle, kept for operator audit.
type Turn struct {
	PK            string
	SK            string
	TurnID        string
	Handle        Handle
	Question      string
	Answer        string
	Mode          Mode
	Source        AgentSource
	NoResults     bool
	CitationCount int
	CreatedAt     string
	TTL           int64
}

// ConversationLease marks a conversation as having a request in flight.
type ConversationLease struct {
	PK        string
	SK        string
	Handle    Handle
	Owner     string
	ExpiresAt int64
	TTL       int64
}
