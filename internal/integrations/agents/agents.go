// Package agents adapts a threads/runs agent service to the primary and
// fallback agent ports used by the orchestrator.
package agents

import (
	"context"
	"errors"
	"strings"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
)

// NoResultsSentinel is the exact reply the primary agent is instructed to
// give when its knowledge base has nothing relevant.
const NoResultsSentinel = "NO_RESULTS_FOUND"

// Runner executes one agent turn. *Client satisfies it.
type Runner interface {
	Run(ctx context.Context, agentID string, req domain.AgentRequest) (domain.AgentReply, error)
}

// PrimaryAgent is the knowledge-base agent.
type PrimaryAgent struct {
	runner   Runner
	agentID  string
	resolver *CitationResolver
}

// NewPrimaryAgent wires the primary agent. resolver may be nil.
func NewPrimaryAgent(runner Runner, agentID string, resolver *CitationResolver) (*PrimaryAgent, error) {
	if runner == nil {
		return nil, errors.New("agents: runner must not be nil")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("agents: primary agent id must not be empty")
	}
	return &PrimaryAgent{runner: runner, agentID: agentID, resolver: resolver}, nil
}

// Converse runs the primary agent. A reply that is exactly NoResultsSentinel
// becomes PrimaryNoResults carrying only the thread handle.
func (a *PrimaryAgent) Converse(ctx context.Context, req domain.AgentRequest) (domain.PrimaryResult, error) {
	reply, err := a.runner.Run(ctx, a.agentID, req)
	if err != nil {
		return domain.PrimaryResult{}, err
	}
	if reply.Text == NoResultsSentinel {
		observability.FromContext(ctx).Info("primary agent reported no results", "thread_id", reply.Handle.String())
		return domain.PrimaryResult{
			Kind:  domain.PrimaryNoResults,
			Reply: domain.AgentReply{Handle: reply.Handle},
		}, nil
	}
	if a.resolver != nil {
		reply.Citations = a.resolver.Resolve(ctx, reply.Citations)
	}
	return domain.PrimaryResult{Kind: domain.PrimaryAnswered, Reply: reply}, nil
}

// FallbackAgent is the web-search agent consulted after a no-results answer.
type FallbackAgent struct {
	runner  Runner
	agentID string
}

func NewFallbackAgent(runner Runner, agentID string) (*FallbackAgent, error) {
	if runner == nil {
		return nil, errors.New("agents: runner must not be nil")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("agents: fallback agent id must not be empty")
	}
	return &FallbackAgent{runner: runner, agentID: agentID}, nil
}

func (a *FallbackAgent) Converse(ctx context.Context, req domain.AgentRequest) (domain.AgentReply, error) {
	return a.runner.Run(ctx, a.agentID, req)
}
