// Package handler exposes the chat use case as an API Gateway proxy
// integration.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
	"govchat-api/internal/usecase"
)

const (
	serviceName = "govchat-api"
	version     = "1.0.0"

	headerCorrelationID = "X-Correlation-Id"

	errorNotFound         = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	uc ChatUseCase
}

type chatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type chatResponse struct {
	Message       string                 `json:"message"`
	ThreadID      string                 `json:"thread_id"`
	Mode          string                 `json:"mode"`
	Source        string                 `json:"source"`
	NoResults     bool                   `json:"no_results,omitempty"`
	Citations     []domain.Citation      `json:"citations"`
	SearchResults []usecase.SearchResult `json:"search_results,omitempty"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type rootResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle routes one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = newUUID()
	}
	ctx = observability.WithCorrelationID(ctx, correlationID)

	path := strings.TrimRight(req.Path, "/")
	if path == "" {
		path = "/"
	}
	method := strings.ToUpper(req.HTTPMethod)

	if method == http.MethodOptions {
		return respond(correlationID, http.StatusNoContent, nil), nil
	}

	switch path {
	case "/":
		if method != http.MethodGet {
			return methodNotAllowed(correlationID), nil
		}
		return respond(correlationID, http.StatusOK, rootResponse{
			Service: serviceName,
			Version: version,
			Status:  "running",
			Endpoints: map[string]string{
				"health": "/api/health",
				"chat":   "/api/chat",
				"search": "/api/search",
			},
		}), nil
	case "/api/health":
		if method != http.MethodGet {
			return methodNotAllowed(correlationID), nil
		}
		return respond(correlationID, http.StatusOK, healthResponse{Status: "healthy", Service: serviceName, Version: version}), nil
	case "/api/chat", "/api/search":
		if method != http.MethodPost {
			return methodNotAllowed(correlationID), nil
		}
		return h.chat(ctx, correlationID, req, path == "/api/search"), nil
	default:
		return respond(correlationID, http.StatusNotFound, errorResponse{
			Error:         errorNotFound,
			Message:       "Sorry, that endpoint does not exist.",
			CorrelationID: correlationID,
		}), nil
	}
}

func (h *Handler) chat(ctx context.Context, correlationID string, req events.APIGatewayProxyRequest, forceSearch bool) events.APIGatewayProxyResponse {
	log := observability.FromContext(ctx)
	start := time.Now()

	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return h.fail(ctx, correlationID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body_encoding", Err: err})
		}
		body = string(raw)
	}

	var in chatRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return h.fail(ctx, correlationID, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}
	if forceSearch {
		in.Mode = string(domain.ModeSearch)
	}

	log.Info("chat request received",
		"mode", in.Mode,
		"thread_id", in.ThreadID,
		"message_len", len(in.Message),
	)

	out, err := h.uc.Chat(ctx, usecase.ChatInput{
		Message:  in.Message,
		ThreadID: in.ThreadID,
		Mode:     in.Mode,
	})
	if err != nil {
		return h.fail(ctx, correlationID, err)
	}

	citations := out.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	log.Info("chat request completed",
		"thread_id", out.ThreadID,
		"source", string(out.Source),
		"no_results", out.NoResults,
		"citations", len(citations),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return respond(correlationID, http.StatusOK, chatResponse{
		Message:       out.Message,
		ThreadID:      out.ThreadID,
		Mode:          string(out.Mode),
		Source:        string(out.Source),
		NoResults:     out.NoResults,
		Citations:     citations,
		SearchResults: out.SearchResults,
	})
}

// fail logs err with its reason and renders a generic apology. The reason
// never reaches the client.
func (h *Handler) fail(ctx context.Context, correlationID string, err error) events.APIGatewayProxyResponse {
	code := usecase.ErrorInternal
	reason := "unexpected_error"
	var ue *usecase.Error
	if errors.As(err, &ue) {
		code, reason = ue.Code, ue.Reason
	}
	status := statusFor(code)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	observability.FromContext(ctx).Log(ctx, level, "chat request failed",
		"code", string(code),
		"reason", reason,
		"status", status,
		"err", err,
	)

	return respond(correlationID, status, errorResponse{
		Error:         string(code),
		Message:       apologyFor(code),
		CorrelationID: correlationID,
	})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorConversationBusy:
		return http.StatusConflict
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream, usecase.ErrorMalformedUpstream:
		return http.StatusBadGateway
	case usecase.ErrorCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func apologyFor(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorInvalidInput:
		return "Sorry, I couldn't process that request. Please check your message and try again."
	case usecase.ErrorConversationBusy:
		return "Sorry, I'm still answering your previous message in this conversation. Please wait a moment and try again."
	case usecase.ErrorRateLimited:
		return "Sorry, I'm receiving too many requests right now. Please try again shortly."
	case usecase.ErrorCanceled:
		return "Sorry, the request was cancelled before an answer was ready."
	default:
		return "Sorry, something went wrong while answering your question. Please try again."
	}
}

func methodNotAllowed(correlationID string) events.APIGatewayProxyResponse {
	return respond(correlationID, http.StatusMethodNotAllowed, errorResponse{
		Error:         errorMethodNotAllowed,
		Message:       "Sorry, that method is not supported for this endpoint.",
		CorrelationID: correlationID,
	})
}

func respond(correlationID string, status int, body any) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET,POST,OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type," + headerCorrelationID,
		headerCorrelationID:            correlationID,
	}
	if body == nil {
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers}
	}
	buf, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to marshal response", "err", err)
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR","message":"Sorry, something went wrong while answering your question. Please try again."}`)
	}
	headers["Content-Type"] = "application/json"
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(buf)}
}

// headerValue looks up a header case-insensitively.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var newUUID = func() string {
	return uuid.NewString()
}
