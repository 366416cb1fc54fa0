package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/labstack/echo/v4"

	"govchat-api/internal/domain"
	"govchat-api/internal/repository"
)

// maxBodySize bounds request bodies on the API routes; larger ones get 413.
const maxBodySize = "1M"

type lambdaHandler interface {
	Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)
}

// lambdaBridge adapts the API Gateway handler to an echo route so local
// requests go through exactly the code path Lambda runs.
func lambdaBridge(h lambdaHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		body, err := io.ReadAll(req.Body)
		if err != nil {
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return httpErr
			}
			return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
		}

		headers := make(map[string]string, len(req.Header))
		for k := range req.Header {
			headers[k] = req.Header.Get(k)
		}
		query := make(map[string]string, len(req.URL.Query()))
		for k := range req.URL.Query() {
			query[k] = req.URL.Query().Get(k)
		}

		resp, err := h.Handle(req.Context(), events.APIGatewayProxyRequest{
			HTTPMethod:            req.Method,
			Path:                  req.URL.Path,
			Headers:               headers,
			QueryStringParameters: query,
			Body:                  string(body),
		})
		if err != nil {
			return err
		}

		for k, v := range resp.Headers {
			c.Response().Header().Set(k, v)
		}
		if resp.Body == "" {
			return c.NoContent(resp.StatusCode)
		}
		contentType := resp.Headers["Content-Type"]
		if contentType == "" {
			contentType = echo.MIMEApplicationJSON
		}
		return c.Blob(resp.StatusCode, contentType, []byte(resp.Body))
	}
}

// recentTurns lists the audit log of one conversation from the local store.
func recentTurns(store *repository.SQLiteStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		threadID := strings.TrimSpace(c.Param("thread_id"))
		if threadID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "thread_id is required")
		}
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		turns, err := store.RecentTurns(c.Request().Context(), domain.Handle(threadID), limit)
		if err != nil {
			return err
		}
		out := make([]turnView, 0, len(turns))
		for _, t := range turns {
			out = append(out, turnView{
				TurnID:        t.TurnID,
				Question:      t.Question,
				Answer:        t.Answer,
				Mode:          string(t.Mode),
				Source:        string(t.Source),
				NoResults:     t.NoResults,
				CitationCount: t.CitationCount,
				CreatedAt:     t.CreatedAt,
			})
		}
		return c.JSON(http.StatusOK, out)
	}
}

type turnView struct {
	TurnID        string `json:"turn_id"`
	Question      string `json:"question"`
	Answer        string `json:"answer"`
	Mode          string `json:"mode"`
	Source        string `json:"source"`
	NoResults     bool   `json:"no_results"`
	CitationCount int    `json:"citation_count"`
	CreatedAt     string `json:"created_at"`
}
