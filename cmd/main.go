package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"govchat-api/handler"
	"govchat-api/internal/app"
	"govchat-api/internal/config"
	"govchat-api/internal/integrations/paramstore"
	"govchat-api/internal/observability"
	"govchat-api/internal/repository"
	"govchat-api/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	observability.Setup(cfg.LogLevel)

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadAWS(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}

	var (
		locker usecase.ConversationLocker = usecase.NewLocalLocker()
		turns  usecase.TurnRecorder
	)
	if cfg.StateTable != "" {
		stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, repository.WithLeaseTTL(cfg.LockTTL))
		if err != nil {
			slog.Error("failed to create state client", "err", err)
			os.Exit(1)
		}
		locker, turns = stateClient, stateClient
	} else {
		slog.Warn("STATE_TABLE not set; conversation locks are per instance and turns are not audited")
	}

	// ---- Handler ----
	chatService, err := app.NewChatService(cfg, ssmClient, locker, turns)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	if !cfg.FallbackEnabled() {
		slog.Warn("FALLBACK_AGENT_ID not set; questions the knowledge base cannot answer get a no-results reply")
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
