// Package orchestrator decides which agent answers a message. The primary
// agent is always asked first; the fallback agent is asked only when the
// primary reports that its knowledge source had nothing relevant.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
)

const (
	defaultPrimaryTimeout  = 20 * time.Second
	defaultFallbackTimeout = 20 * time.Second
)

// PrimaryAgent is the knowledge-grounded agent. Its adapter owns sentinel
// recognition and reports it as domain.PrimaryNoResults.
type PrimaryAgent interface {
	Converse(ctx context.Context, req domain.AgentRequest) (domain.PrimaryResult, error)
}

// FallbackAgent is the general web-search agent. Whatever it returns is final.
type FallbackAgent interface {
	Converse(ctx context.Context, req domain.AgentRequest) (domain.AgentReply, error)
}

// State is a per-request position in the orchestration state machine.
type State string

const (
	StateInit           State = "init"
	StatePrimaryCalled  State = "primary_called"
	StateFallbackCalled State = "fallback_called"
	StateDonePrimary    State = "done_primary"
	StateDoneFallback   State = "done_fallback"
	StateFailed         State = "failed"
)

type Option func(*Orchestrator)

func WithPrimaryTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.primaryTimeout = d
		}
	}
}

func WithFallbackTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.fallbackTimeout = d
		}
	}
}

// WithTransitionHook registers a callback invoked on every state change.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(o *Orchestrator) {
		o.onTransition = fn
	}
}

type Orchestrator struct {
	primary         PrimaryAgent
	fallback        FallbackAgent
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	onTransition    func(from, to State)
}

// New builds an Orchestrator. A nil fallback disables the fallback path and
// makes the primary's no-results outcome final.
func New(primary PrimaryAgent, fallback FallbackAgent, opts ...Option) (*Orchestrator, error) {
	if primary == nil {
		return nil, errors.New("orchestrator: primary agent must not be nil")
	}
	o := &Orchestrator{
		primary:         primary,
		fallback:        fallback,
		primaryTimeout:  defaultPrimaryTimeout,
		fallbackTimeout: defaultFallbackTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// FallbackEnabled reports whether a fallback agent is configured.
func (o *Orchestrator) FallbackEnabled() bool {
	return o.fallback != nil
}

// Handle runs one request through the primary agent and, only on an exact
// no-results outcome, through the fallback agent on the same conversation.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.Message) (domain.AgentResponse, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return domain.AgentResponse{}, &Error{Kind: KindEmptyInput, Stage: StageValidation}
	}
	if !msg.Mode.Valid() {
		return domain.AgentResponse{}, &Error{Kind: KindInvalidMode, Stage: StageValidation}
	}

	run := o.newRun(ctx, msg)

	run.transition(StatePrimaryCalled)
	result, err := o.callPrimary(ctx, domain.AgentRequest{
		Content: content,
		Handle:  msg.Handle,
		Mode:    msg.Mode,
	})
	if err != nil {
		return domain.AgentResponse{}, run.fail(classify(ctx, StagePrimaryCall, err))
	}

	handle := result.Reply.Handle
	if handle.IsZero() {
		handle = msg.Handle
	}
	if handle.IsZero() {
		return domain.AgentResponse{}, run.fail(&Error{
			Kind:  KindMalformedUpstreamResponse,
			Stage: StagePrimaryCall,
			Err:   errors.New("primary agent returned no conversation handle"),
		})
	}

	switch result.Kind {
	case domain.PrimaryAnswered:
		run.transition(StateDonePrimary)
		return domain.AgentResponse{
			Text:      result.Reply.Text,
			Handle:    handle,
			Citations: FilterCitations(result.Reply.Citations),
			Source:    domain.SourcePrimary,
		}, nil
	case domain.PrimaryNoResults:
	default:
		return domain.AgentResponse{}, run.fail(&Error{
			Kind:  KindMalformedUpstreamResponse,
			Stage: StagePrimaryCall,
			Err:   errors.New("primary agent returned unknown result kind " + result.Kind.String()),
		})
	}

	if o.fallback == nil {
		run.log.Warn("primary agent found no results and no fallback agent is configured")
		run.transition(StateDonePrimary)
		return domain.AgentResponse{
			Handle:    handle,
			Citations: []domain.Citation{},
			Source:    domain.SourcePrimary,
			NoResults: true,
		}, nil
	}

	// The caller may have gone away, or the invocation deadline passed,
	// while the primary was in flight.
	if err := ctx.Err(); err != nil {
		return domain.AgentResponse{}, run.fail(classify(ctx, StageFallbackCall, err))
	}

	run.transition(StateFallbackCalled)
	reply, err := o.callFallback(ctx, domain.AgentRequest{
		Content: content,
		Handle:  handle,
		Mode:    msg.Mode,
		Handoff: true,
	})
	if err != nil {
		return domain.AgentResponse{}, run.fail(classify(ctx, StageFallbackCall, err))
	}
	if !reply.Handle.IsZero() && reply.Handle != handle {
		run.log.Warn("fallback agent returned a different conversation handle; keeping the primary's",
			"fallback_handle", reply.Handle.String())
	}

	run.transition(StateDoneFallback)
	return domain.AgentResponse{
		Text:      reply.Text,
		Handle:    handle,
		Citations: FilterCitations(reply.Citations),
		Source:    domain.SourceFallback,
	}, nil
}

func (o *Orchestrator) callPrimary(ctx context.Context, req domain.AgentRequest) (domain.PrimaryResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.primaryTimeout)
	defer cancel()
	return o.primary.Converse(callCtx, req)
}

func (o *Orchestrator) callFallback(ctx context.Context, req domain.AgentRequest) (domain.AgentReply, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.fallbackTimeout)
	defer cancel()
	return o.fallback.Converse(callCtx, req)
}

// classify turns an agent call error into an *Error. Only an explicitly
// cancelled parent context counts as a caller abort. An expired parent
// deadline is the invocation budget running out on a slow agent, so it is
// reported as an upstream timeout.
func classify(parent context.Context, stage Stage, err error) *Error {
	switch perr := parent.Err(); {
	case errors.Is(perr, context.Canceled):
		return &Error{Kind: KindCanceled, Stage: stage, Err: err}
	case errors.Is(perr, context.DeadlineExceeded):
		return &Error{Kind: KindUpstreamUnavailable, Stage: stage, Timeout: true, Err: err}
	}
	var malformed *domain.MalformedResponseError
	if errors.As(err, &malformed) {
		return &Error{Kind: KindMalformedUpstreamResponse, Stage: stage, Err: err}
	}
	return &Error{Kind: KindUpstreamUnavailable, Stage: stage, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

type requestRun struct {
	state   State
	started time.Time
	log     *slog.Logger
	hook    func(from, to State)
}

func (o *Orchestrator) newRun(ctx context.Context, msg domain.Message) *requestRun {
	return &requestRun{
		state:   StateInit,
		started: time.Now(),
		log: observability.FromContext(ctx).With(
			"mode", string(msg.Mode),
			"new_conversation", msg.Handle.IsZero(),
		),
		hook: o.onTransition,
	}
}

func (r *requestRun) transition(to State) {
	from := r.state
	r.state = to
	if r.hook != nil {
		r.hook(from, to)
	}
	switch to {
	case StateDonePrimary, StateDoneFallback:
		r.log.Info("orchestration finished", "state", string(to), "duration_ms", time.Since(r.started).Milliseconds())
	default:
		r.log.Debug("orchestration transition", "from", string(from), "to", string(to))
	}
}

func (r *requestRun) fail(e *Error) *Error {
	r.transition(StateFailed)
	r.log.Error("orchestration failed",
		"kind", string(e.Kind),
		"stage", string(e.Stage),
		"timeout", e.Timeout,
		"duration_ms", time.Since(r.started).Milliseconds(),
		"err", e.Err,
	)
	return e
}
