// Package app wires the agent adapters, orchestrator and chat use case
// from configuration. Both binaries share it.
package app

import (
	"fmt"

	"govchat-api/internal/config"
	"govchat-api/internal/integrations/agents"
	"govchat-api/internal/integrations/paramstore"
	"govchat-api/internal/orchestrator"
	"govchat-api/internal/usecase"
)

// Params is what the agent adapters need from Parameter Store.
// *paramstore.Client satisfies it.
type Params interface {
	paramstore.Getter
	agents.OptionalGetter
}

// NewChatService builds the chat use case. turns may be nil.
func NewChatService(cfg *config.Config, params Params, locker usecase.ConversationLocker, turns usecase.TurnRecorder) (*usecase.ChatService, error) {
	client, err := agents.NewClient(params, cfg.AgentsEndpoint, cfg.ParamPrefix,
		agents.WithAPIVersion(cfg.AgentsAPIVersion),
		agents.WithPollInterval(cfg.RunPollInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("app: agents client: %w", err)
	}
	resolver, err := agents.NewCitationResolver(params, cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: citation resolver: %w", err)
	}
	primary, err := agents.NewPrimaryAgent(client, cfg.PrimaryAgentID, resolver)
	if err != nil {
		return nil, fmt.Errorf("app: primary agent: %w", err)
	}

	// Left as a nil interface when unset so the orchestrator sees no fallback.
	var fallback orchestrator.FallbackAgent
	if cfg.FallbackEnabled() {
		fb, err := agents.NewFallbackAgent(client, cfg.FallbackAgentID)
		if err != nil {
			return nil, fmt.Errorf("app: fallback agent: %w", err)
		}
		fallback = fb
	}

	orch, err := orchestrator.New(primary, fallback,
		orchestrator.WithPrimaryTimeout(cfg.PrimaryTimeout),
		orchestrator.WithFallbackTimeout(cfg.FallbackTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}

	svc, err := usecase.NewChatService(orch, locker, turns, cfg.MaxMessageLength)
	if err != nil {
		return nil, fmt.Errorf("app: chat service: %w", err)
	}
	return svc, nil
}
