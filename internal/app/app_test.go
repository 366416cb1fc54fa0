package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"govchat-api/internal/config"
	"govchat-api/internal/domain"
	"govchat-api/internal/usecase"
)

type fakeParams struct{}

func (fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	return `{"token":"tok"}`, nil
}

func (fakeParams) GetOptionalParameter(_ context.Context, name string) (string, bool, error) {
	return "rates_policy.pdf,https://gov.example/files/rates_policy.pdf", true, nil
}

// agentBackend answers per assistant id: kb reports no results unless the
// question mentions rates, web always answers.
type agentBackend struct {
	mu        sync.Mutex
	question  string
	assistant string
	runs      []string
	posted    int
}

func (b *agentBackend) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"id": "thread_e2e"})
	})
	mux.HandleFunc("POST /threads/{tid}/messages", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		b.mu.Lock()
		b.question = in.Content
		b.posted++
		b.mu.Unlock()
		writeJSON(w, map[string]string{"id": "msg_1"})
	})
	mux.HandleFunc("POST /threads/{tid}/runs", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			AssistantID string `json:"assistant_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		b.mu.Lock()
		b.assistant = in.AssistantID
		b.runs = append(b.runs, in.AssistantID)
		b.mu.Unlock()
		writeJSON(w, map[string]string{"id": "run_" + in.AssistantID, "status": "completed"})
	})
	mux.HandleFunc("GET /threads/{tid}/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		assistant, question := b.assistant, b.question
		b.mu.Unlock()

		text := "It will rain tomorrow."
		annotations := []map[string]any{{
			"type":         "url_citation",
			"url_citation": map[string]string{"url": "https://weather.example/today", "title": "Forecast"},
		}}
		if assistant == "asst_kb" {
			if strings.Contains(question, "rates") {
				text = "Rates are due in March."
				annotations = []map[string]any{{
					"type":          "file_citation",
					"file_citation": map[string]string{"file_id": "rates_policy", "quote": "due in March"},
				}}
			} else {
				text = "NO_RESULTS_FOUND"
				annotations = nil
			}
		}
		writeJSON(w, map[string]any{"data": []map[string]any{{
			"id":     "msg_reply",
			"role":   "assistant",
			"run_id": "run_" + assistant,
			"content": []map[string]any{{
				"type": "text",
				"text": map[string]any{"value": text, "annotations": annotations},
			}},
		}}})
	})
	return mux
}

func testConfig(endpoint, fallback string) *config.Config {
	return &config.Config{
		AgentsEndpoint:   endpoint,
		PrimaryAgentID:   "asst_kb",
		FallbackAgentID:  fallback,
		ParamPrefix:      "/govchat",
		PrimaryTimeout:   5 * time.Second,
		FallbackTimeout:  5 * time.Second,
		RunPollInterval:  time.Millisecond,
		MaxMessageLength: 2000,
	}
}

func TestNewChatService_FallsBackOnSentinel(t *testing.T) {
	b := &agentBackend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	svc, err := NewChatService(testConfig(srv.URL, "asst_web"), fakeParams{}, usecase.NewLocalLocker(), nil)
	require.NoError(t, err)

	out, err := svc.Chat(context.Background(), usecase.ChatInput{Message: "What's the weather today?"})
	require.NoError(t, err)
	require.Equal(t, "It will rain tomorrow.", out.Message)
	require.Equal(t, domain.SourceFallback, out.Source)
	require.Equal(t, "thread_e2e", out.ThreadID)
	require.Equal(t, []domain.Citation{{Title: "Forecast", URL: "https://weather.example/today"}}, out.Citations)
	require.Equal(t, []string{"asst_kb", "asst_web"}, b.runs)
	require.Equal(t, 1, b.posted, "the fallback reuses the message already on the thread")
}

func TestNewChatService_PrimaryAnswerResolvesCitations(t *testing.T) {
	b := &agentBackend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	svc, err := NewChatService(testConfig(srv.URL, "asst_web"), fakeParams{}, usecase.NewLocalLocker(), nil)
	require.NoError(t, err)

	out, err := svc.Chat(context.Background(), usecase.ChatInput{Message: "When are rates due?", ThreadID: "thread_e2e"})
	require.NoError(t, err)
	require.Equal(t, domain.SourcePrimary, out.Source)
	require.Equal(t, []domain.Citation{{
		Title:   "Rates Policy",
		URL:     "https://gov.example/files/rates_policy.pdf",
		Snippet: "due in March",
	}}, out.Citations)
	require.Equal(t, []string{"asst_kb"}, b.runs)
}

func TestNewChatService_NoFallbackConfigured(t *testing.T) {
	b := &agentBackend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	svc, err := NewChatService(testConfig(srv.URL, ""), fakeParams{}, usecase.NewLocalLocker(), nil)
	require.NoError(t, err)

	out, err := svc.Chat(context.Background(), usecase.ChatInput{Message: "What's the weather today?"})
	require.NoError(t, err)
	require.True(t, out.NoResults)
	require.Equal(t, usecase.NoResultsMessage, out.Message)
	require.Equal(t, []string{"asst_kb"}, b.runs)
}

func TestNewChatService_InvalidConfig(t *testing.T) {
	cfg := testConfig("", "")
	_, err := NewChatService(cfg, fakeParams{}, usecase.NewLocalLocker(), nil)
	require.ErrorContains(t, err, "agents client")

	cfg = testConfig("https://agents.example", "")
	cfg.PrimaryAgentID = ""
	_, err = NewChatService(cfg, fakeParams{}, usecase.NewLocalLocker(), nil)
	require.ErrorContains(t, err, "primary agent")
}
