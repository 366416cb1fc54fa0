package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
	"govchat-api/internal/orchestrator"
)

const (
	defaultMaxMessageLen = 2000

	// NoResultsMessage replaces the empty answer when the primary agent found
	// nothing and no fallback agent is configured.
	NoResultsMessage = "I couldn't find anything about that in the knowledge base, and web search is not configured for this assistant. Please try rephrasing your question."
)

type Orchestrator interface {
	Handle(ctx context.Context, msg domain.Message) (domain.AgentResponse, error)
}

// ConversationLocker serializes requests that share a conversation handle.
type ConversationLocker interface {
	Acquire(ctx context.Context, handle domain.Handle) (release func(), err error)
}

type TurnRecorder interface {
	RecordTurn(ctx context.Context, turn domain.Turn) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatService struct {
	orch          Orchestrator
	locker        ConversationLocker
	turns         TurnRecorder
	maxMessageLen int
}

type ChatInput struct {
	Message  string
	ThreadID string
	Mode     string
}

type ChatOutput struct {
	Message       string
	ThreadID      string
	Mode          domain.Mode
	Source        domain.AgentSource
	NoResults     bool
	Citations     []domain.Citation
	SearchResults []SearchResult
}

// NewChatService wires the chat use case. turns may be nil, in which case
// no audit log is written.
func NewChatService(o Orchestrator, l ConversationLocker, turns TurnRecorder, maxMessageLen int) (*ChatService, error) {
	if o == nil {
		return nil, errors.New("usecase: orchestrator must not be nil")
	}
	if l == nil {
		return nil, errors.New("usecase: conversation locker must not be nil")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &ChatService{
		orch:          o,
		locker:        l,
		turns:         turns,
		maxMessageLen: maxMessageLen,
	}, nil
}

func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	mode, err := domain.ParseMode(in.Mode)
	if err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_mode", err)
	}
	handle := domain.Handle(strings.TrimSpace(in.ThreadID))

	if !handle.IsZero() {
		release, err := s.locker.Acquire(ctx, handle)
		if err != nil {
			return ChatOutput{}, lockError(err)
		}
		defer release()
	}

	resp, err := s.orch.Handle(ctx, domain.Message{Content: message, Handle: handle, Mode: mode})
	if err != nil {
		return ChatOutput{}, orchestratorError(err)
	}

	out := ChatOutput{
		Message:   resp.Text,
		ThreadID:  resp.Handle.String(),
		Mode:      mode,
		Source:    resp.Source,
		NoResults: resp.NoResults,
		Citations: resp.Citations,
	}
	if resp.NoResults {
		out.Message = NoResultsMessage
	} else {
		out.SearchResults = BuildSearchResults(resp.Text, resp.Citations, mode)
	}

	s.recordTurn(ctx, message, mode, resp)
	return out, nil
}

func (s *ChatService) recordTurn(ctx context.Context, question string, mode domain.Mode, resp domain.AgentResponse) {
	if s.turns == nil || resp.Handle.IsZero() {
		return
	}
	turn := domain.Turn{
		TurnID:        newUUID(),
		Handle:        resp.Handle,
		Question:      question,
		Answer:        resp.Text,
		Mode:          mode,
		Source:        resp.Source,
		NoResults:     resp.NoResults,
		CitationCount: len(resp.Citations),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.turns.RecordTurn(ctx, turn); err != nil {
		observability.FromContext(ctx).Error("failed to record turn",
			"thread_id", resp.Handle.String(), "turn_id", turn.TurnID, "err", err)
	}
}

func lockError(err error) *Error {
	switch {
	case errors.Is(err, ErrConversationBusy):
		return newError(ErrorConversationBusy, "conversation_busy", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorCanceled, "lock_wait_canceled", err)
	default:
		return newError(ErrorInternal, "lock_error", err)
	}
}

// orchestratorError maps an orchestration failure to a use-case error whose
// reason names the failing stage.
func orchestratorError(err error) *Error {
	var oe *orchestrator.Error
	if !errors.As(err, &oe) {
		return newError(ErrorInternal, "orchestrator_error", err)
	}
	stage := string(oe.Stage)
	switch oe.Kind {
	case orchestrator.KindEmptyInput:
		return newError(ErrorInvalidInput, "empty_message", err)
	case orchestrator.KindInvalidMode:
		return newError(ErrorInvalidInput, "invalid_mode", err)
	case orchestrator.KindCanceled:
		return newError(ErrorCanceled, stage+"_canceled", err)
	case orchestrator.KindMalformedUpstreamResponse:
		return newError(ErrorMalformedUpstream, stage+"_malformed_response", err)
	case orchestrator.KindUpstreamUnavailable:
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return newError(ErrorRateLimited, stage+"_rate_limited", err)
		}
		if oe.Timeout {
			return newError(ErrorUpstream, stage+"_timeout", err)
		}
		return newError(ErrorUpstream, stage+"_error", err)
	default:
		return newError(ErrorInternal, stage+"_error", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newUUID = func() string {
	return uuid.NewString()
}
