package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"govchat-api/internal/domain"
	"govchat-api/internal/observability"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	cancelRunTimeout    = 2 * time.Second

	runStatusCompleted = "completed"
)

// thread is the minimal response shape for thread creation.
type thread struct {
	ID string `json:"id"`
}

type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// run is the minimal shape of a run object.
type run struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	LastError *runError `json:"last_error,omitempty"`
}

type runError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type messageList struct {
	Data []threadMessage `json:"data"`
}

type threadMessage struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	RunID   string           `json:"run_id"`
	Content []messageContent `json:"content"`
}

type messageContent struct {
	Type string       `json:"type"`
	Text *textContent `json:"text,omitempty"`
}

type textContent struct {
	Value       string       `json:"value"`
	Annotations []annotation `json:"annotations"`
}

// tokenPayload is the expected JSON shape stored in SSM for the bearer token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("agents: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// RunFailedError reports a run that ended in a state other than completed.
type RunFailedError struct {
	RunID   string
	Status  string
	Code    string
	Message string
}

func (e *RunFailedError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("agents: run %s ended with status %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("agents: run %s ended with status %s: %s: %s", e.RunID, e.Status, e.Code, e.Message)
}

// HTTPStatusCode maps a rate-limited run to 429 so callers can treat it
// like a throttled HTTP call. Other failures report 0.
func (e *RunFailedError) HTTPStatusCode() int {
	if e.Code == "rate_limit_exceeded" {
		return http.StatusTooManyRequests
	}
	return 0
}

// Client talks to a threads/messages/runs agent service.
type Client struct {
	baseURL      string
	apiVersion   string
	httpClient   *http.Client
	getter       Getter
	paramPrefix  string
	pollInterval time.Duration

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIVersion appends api-version=<v> to every request.
func WithAPIVersion(v string) Option {
	return func(c *Client) {
		c.apiVersion = strings.TrimSpace(v)
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewClient creates a Client for the agent project at endpoint. The bearer
// token is read from <paramPrefix>/agents-token on first use and cached once
// it has been fetched successfully.
func NewClient(ps Getter, endpoint, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("agents: paramstore getter must not be nil")
	}
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("agents: endpoint must not be empty")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("agents: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:      endpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		getter:       ps,
		paramPrefix:  paramPrefix,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes one agent turn on a thread and returns the agent's answer
// with citations extracted from its annotations. An empty handle starts a
// new thread. With req.Handoff the user message is assumed to be on the
// thread already and is not posted again.
func (c *Client) Run(ctx context.Context, agentID string, req domain.AgentRequest) (domain.AgentReply, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.AgentReply{}, errors.New("agents: agent id must not be empty")
	}
	log := observability.FromContext(ctx).With("agent_id", agentID)

	threadID := strings.TrimSpace(req.Handle.String())
	if threadID == "" {
		if req.Handoff {
			return domain.AgentReply{}, errors.New("agents: handoff requires an existing thread")
		}
		created, err := c.CreateThread(ctx)
		if err != nil {
			return domain.AgentReply{}, err
		}
		threadID = created
		log.Info("created agent thread", "thread_id", threadID)
	}

	if !req.Handoff {
		if err := c.AddMessage(ctx, threadID, frameMessage(req.Content, req.Mode)); err != nil {
			return domain.AgentReply{}, err
		}
	}

	r, err := c.createRun(ctx, threadID, agentID)
	if err != nil {
		return domain.AgentReply{}, err
	}
	r, err = c.waitForRun(ctx, threadID, r)
	if err != nil {
		return domain.AgentReply{}, err
	}
	if r.Status != runStatusCompleted {
		rf := &RunFailedError{RunID: r.ID, Status: r.Status}
		if r.LastError != nil {
			rf.Code, rf.Message = r.LastError.Code, r.LastError.Message
		}
		return domain.AgentReply{}, rf
	}

	msg, err := c.latestMessage(ctx, threadID)
	if err != nil {
		return domain.AgentReply{}, err
	}
	text, annotations, err := assistantText(msg, r.ID)
	if err != nil {
		return domain.AgentReply{}, &domain.MalformedResponseError{Err: err}
	}
	citations := citationsFromAnnotations(annotations)
	log.Debug("agent run completed", "thread_id", threadID, "run_id", r.ID, "citations", len(citations))

	return domain.AgentReply{
		Text:      text,
		Handle:    domain.Handle(threadID),
		Citations: citations,
	}, nil
}

// CreateThread starts a new conversation thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out thread
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("/threads", nil), struct{}{}, &out); err != nil {
		return "", fmt.Errorf("agents: create thread: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &domain.MalformedResponseError{Err: errors.New("agents: create thread: missing id")}
	}
	return out.ID, nil
}

// AddMessage appends a user message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	in := createMessageRequest{Role: "user", Content: content}
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("/threads/"+url.PathEscape(threadID)+"/messages", nil), in, nil); err != nil {
		return fmt.Errorf("agents: add message: %w", err)
	}
	return nil
}

func (c *Client) createRun(ctx context.Context, threadID, agentID string) (run, error) {
	var out run
	in := createRunRequest{AssistantID: agentID}
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint("/threads/"+url.PathEscape(threadID)+"/runs", nil), in, &out); err != nil {
		return run{}, fmt.Errorf("agents: create run: %w", err)
	}
	if out.ID == "" || out.Status == "" {
		return run{}, &domain.MalformedResponseError{Err: errors.New("agents: create run: missing id or status")}
	}
	return out, nil
}

func (c *Client) getRun(ctx context.Context, threadID, runID string) (run, error) {
	var out run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint(path, nil), nil, &out); err != nil {
		return run{}, fmt.Errorf("agents: get run: %w", err)
	}
	if out.Status == "" {
		return run{}, &domain.MalformedResponseError{Err: errors.New("agents: get run: missing status")}
	}
	if out.ID == "" {
		out.ID = runID
	}
	return out, nil
}

// waitForRun polls until the run reaches a terminal status or ctx is done.
// On cancellation the run is cancelled server-side on a best-effort basis.
func (c *Client) waitForRun(ctx context.Context, threadID string, r run) (run, error) {
	for !isTerminal(r.Status) {
		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.cancelRun(ctx, threadID, r.ID)
			return r, fmt.Errorf("agents: waiting for run %s: %w", r.ID, ctx.Err())
		case <-timer.C:
		}
		next, err := c.getRun(ctx, threadID, r.ID)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelRun(ctx, threadID, r.ID)
			}
			return r, err
		}
		r = next
	}
	return r, nil
}

func (c *Client) cancelRun(parent context.Context, threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cancelRunTimeout)
	defer cancel()
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.doJSON(ctx, http.MethodPost, c.endpoint(path, nil), struct{}{}, nil); err != nil {
		observability.FromContext(parent).Warn("failed to cancel agent run", "thread_id", threadID, "run_id", runID, "err", err)
	}
}

func (c *Client) latestMessage(ctx context.Context, threadID string) (threadMessage, error) {
	q := url.Values{}
	q.Set("order", "desc")
	q.Set("limit", "1")
	var out messageList
	if err := c.doJSON(ctx, http.MethodGet, c.endpoint("/threads/"+url.PathEscape(threadID)+"/messages", q), nil, &out); err != nil {
		return threadMessage{}, fmt.Errorf("agents: list messages: %w", err)
	}
	if len(out.Data) == 0 {
		return threadMessage{}, &domain.MalformedResponseError{Err: errors.New("agents: list messages: thread has no messages")}
	}
	return out.Data[0], nil
}

// assistantText extracts the first text part of the newest message, which
// must be the assistant's reply to runID.
func assistantText(msg threadMessage, runID string) (string, []annotation, error) {
	if msg.Role != "assistant" {
		return "", nil, fmt.Errorf("agents: latest message has role %q, want assistant", msg.Role)
	}
	if msg.RunID != "" && msg.RunID != runID {
		return "", nil, fmt.Errorf("agents: latest message belongs to run %s, want %s", msg.RunID, runID)
	}
	for _, part := range msg.Content {
		if part.Type == "text" && part.Text != nil {
			return part.Text.Value, part.Text.Annotations, nil
		}
	}
	return "", nil, errors.New("agents: assistant message has no text content")
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "expired", "incomplete", "requires_action":
		return true
	default:
		return false
	}
}

func (c *Client) endpoint(path string, q url.Values) string {
	if c.apiVersion != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("api-version", c.apiVersion)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.MalformedResponseError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// resolveToken fetches the bearer token from SSM until one fetch succeeds,
// then serves the cached value.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := fetchTokenFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/agents-token"
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("agents: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("agents: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("agents: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("agents: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("agents: API token is empty")
	}
	return tp.Token, nil
}
