package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HistoryMessage is one prior turn sent back to the backend for context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of both /api/chat and /api/chat/stream.
type ChatRequest struct {
	Message             string                 `json:"message"`
	ConversationHistory []HistoryMessage       `json:"conversation_history,omitempty"`
	Context             map[string]interface{} `json:"context,omitempty"`
	ContextSize         int                    `json:"context_size,omitempty"`
	UseSearchMode       bool                   `json:"use_search_mode"`
	UseAgentMode        bool                   `json:"use_agent_mode"`
}

// ChatResponse is the single JSON document returned by /api/chat, and also
// the payload of a terminal response stream event.
type ChatResponse struct {
	Response            string          `json:"response"`
	CodeReferences      []CodeReference `json:"code_references,omitempty"`
	ModelUsed           string          `json:"model_used,omitempty"`
	OllamaAvailable     bool            `json:"ollama_available"`
	Error               string          `json:"error,omitempty"`
	RequiresOllama      bool            `json:"requires_ollama"`
	Retryable           bool            `json:"retryable"`
	ExplorationMode     bool            `json:"exploration_mode"`
	ExplorationMetadata json.RawMessage `json:"exploration_metadata,omitempty"`
}

// StatusResponse is the payload of GET /api/chat/status.
type StatusResponse struct {
	Status          string   `json:"status"`
	OllamaAvailable bool     `json:"ollama_available"`
	OllamaURL       string   `json:"ollama_url,omitempty"`
	PrimaryModel    string   `json:"primary_model,omitempty"`
	AvailableModels []string `json:"available_models,omitempty"`
}

// HistorySession is one stored exploration session from /api/chat/history.
type HistorySession struct {
	SessionID   string          `json:"session_id"`
	UserMessage string          `json:"user_message"`
	ModelUsed   string          `json:"model_used,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Findings    json.RawMessage `json:"findings,omitempty"`
}

// HistoryPage is the paginated listing returned by /api/chat/history.
type HistoryPage struct {
	Sessions []HistorySession       `json:"sessions"`
	Total    int                    `json:"total"`
	Stats    map[string]interface{} `json:"stats,omitempty"`
}

// APIError carries a non-2xx backend reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// Client talks to the Owlin backend's chat API. One Client is safe for one
// session; the session layer enforces a single in-flight request.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *Logger
}

func NewClient(baseURL string, logger *Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		BaseURL: baseURL,
		// No overall timeout: streams legitimately run for minutes. The
		// session's stall watchdog covers dead connections instead.
		HTTP:   &http.Client{},
		Logger: logger,
	}
}

// Ask issues the non-streaming request and returns the single response
// document. Backend-reported logical failures (error/requires_ollama set)
// come back as a normal ChatResponse, not an error.
func (c *Client) Ask(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}
	var resp ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	return &resp, nil
}

// Stream issues the streaming request and invokes fn for every decoded
// event, in arrival order, until the stream closes or ctx is cancelled.
// Cancellation returns ctx.Err(); callers already initiated it, so they
// treat that return as silence, not failure.
func (c *Client) Stream(ctx context.Context, req ChatRequest, fn func(Event)) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode stream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}

	parser := NewStreamParser(c.Logger)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n], fn)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				parser.Flush(fn)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}
	}
}

// Status fetches backend availability; polled once at startup to drive the
// status indicator.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.getJSON(ctx, "/api/chat/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists stored exploration sessions.
func (c *Client) History(ctx context.Context, limit, offset int, search string) (*HistoryPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if search != "" {
		q.Set("search", search)
	}
	var out HistoryPage
	if err := c.getJSON(ctx, "/api/chat/history?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HistorySession fetches one stored session with its findings.
func (c *Client) HistorySession(ctx context.Context, id string) (*HistorySession, error) {
	var out HistorySession
	if err := c.getJSON(ctx, "/api/chat/history/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteHistorySession removes one stored session.
func (c *Client) DeleteHistorySession(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/chat/history/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("delete history session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.apiError(resp)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := resp.Status

	// FastAPI wraps errors as {"detail": {"message": ...}} or {"detail": "..."}.
	var detail struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil && len(detail.Detail) > 0 {
		var asObj struct {
			Message string `json:"message"`
		}
		var asStr string
		if json.Unmarshal(detail.Detail, &asObj) == nil && asObj.Message != "" {
			msg = asObj.Message
		} else if json.Unmarshal(detail.Detail, &asStr) == nil && asStr != "" {
			msg = asStr
		}
	}
	if c.Logger != nil {
		c.Logger.Error("backend request failed", map[string]interface{}{
			"status":  resp.StatusCode,
			"message": msg,
		})
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
