// Package assistant is an HTTP client for the managed assistant
// service: a hosted conversational model with retrieval over a search
// index. Threads live server-side and expire on an inactivity TTL;
// this client only ever references them by ID.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lanterndocs/lantern/internal/config"
)

// Message roles as the service reports them.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a thread's ordered history.
type Message struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

// Client talks to the assistant service. All methods are safe for
// concurrent use.
type Client struct {
	baseURL    string
	folderID   string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger

	// assistantID is set by EnsureAssistant and read by Run.
	assistantID string

	// pollInterval controls run-completion polling. Tests shorten it.
	pollInterval time.Duration
}

// New creates an assistant client from config. Call EnsureAssistant
// once at startup before serving requests.
func New(cfg config.AssistantConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		folderID: cfg.FolderID,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		logger:   logger.With("backend", "assistant"),
		httpClient: &http.Client{
			// Runs can take a while before first byte; individual
			// requests rely on ctx for cancellation.
			Timeout: 2 * time.Minute,
		},
		pollInterval: time.Second,
	}
}

// EnsureOptions parameterize EnsureAssistant.
type EnsureOptions struct {
	Name        string
	Instruction string
	IndexID     string
	TTLDays     int
	// MaxSearchResults bounds retrieval per turn (default 5).
	MaxSearchResults int
	// Temperature for generation (the service default if zero; the
	// bot configures 0.1 for grounded answers).
	Temperature float64
}

type assistantResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createAssistantRequest struct {
	Name             string          `json:"name"`
	Model            string          `json:"model"`
	Temperature      float64         `json:"temperature,omitempty"`
	Instruction      string          `json:"instruction,omitempty"`
	Tools            []assistantTool `json:"tools,omitempty"`
	TTLDays          int             `json:"ttl_days,omitempty"`
	ExpirationPolicy string          `json:"expiration_policy,omitempty"`
}

type assistantTool struct {
	SearchIndex *searchIndexTool `json:"search_index,omitempty"`
}

type searchIndexTool struct {
	IndexID       string `json:"index_id"`
	MaxNumResults int    `json:"max_num_results,omitempty"`
}

// EnsureAssistant makes sure a named assistant resource exists,
// creating it when absent, and remembers its ID for Run. Idempotent:
// an existing assistant with the same name is reused, so restarts do
// not accumulate resources.
func (c *Client) EnsureAssistant(ctx context.Context, opts EnsureOptions) (string, error) {
	var listing struct {
		Assistants []assistantResource `json:"assistants"`
	}
	if err := c.do(ctx, http.MethodGet, "/assistants", nil, &listing); err != nil {
		return "", fmt.Errorf("list assistants: %w", err)
	}
	for _, a := range listing.Assistants {
		if a.Name == opts.Name {
			c.logger.Info("reusing existing assistant", "assistant_id", a.ID, "name", a.Name)
			c.assistantID = a.ID
			return a.ID, nil
		}
	}

	maxResults := opts.MaxSearchResults
	if maxResults <= 0 {
		maxResults = 5
	}
	req := createAssistantRequest{
		Name:             opts.Name,
		Model:            c.model,
		Temperature:      opts.Temperature,
		Instruction:      opts.Instruction,
		TTLDays:          opts.TTLDays,
		ExpirationPolicy: "SINCE_LAST_ACTIVE",
	}
	if opts.IndexID != "" {
		req.Tools = []assistantTool{{SearchIndex: &searchIndexTool{
			IndexID:       opts.IndexID,
			MaxNumResults: maxResults,
		}}}
	}

	var created assistantResource
	if err := c.do(ctx, http.MethodPost, "/assistants", req, &created); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	c.logger.Info("assistant created", "assistant_id", created.ID, "name", opts.Name)
	c.assistantID = created.ID
	return created.ID, nil
}

// CreateThread creates a new server-side thread and returns its ID.
// The name hint helps operators correlate threads with chats; ttlDays
// sets the inactivity expiration.
func (c *Client) CreateThread(ctx context.Context, nameHint string, ttlDays int) (string, error) {
	req := map[string]any{
		"name":              nameHint,
		"ttl_days":          ttlDays,
		"expiration_policy": "SINCE_LAST_ACTIVE",
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", req, &resp); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create thread: service returned empty id")
	}
	c.logger.Debug("thread created", "thread_id", resp.ID, "name", nameHint)
	return resp.ID, nil
}

// WriteMessage appends a message to the thread's history.
func (c *Client) WriteMessage(ctx context.Context, threadID, text, role string) error {
	req := Message{Text: text, Role: role}
	if err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", req, nil); err != nil {
		return fmt.Errorf("write message to thread %s: %w", threadID, err)
	}
	return nil
}

// ReadMessages returns the thread's full message history in order.
func (c *Client) ReadMessages(ctx context.Context, threadID string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages", nil, &resp); err != nil {
		return nil, fmt.Errorf("read messages from thread %s: %w", threadID, err)
	}
	return resp.Messages, nil
}

type runStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reply  string `json:"reply,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Run executes the assistant against the thread and blocks until the
// run completes, returning the reply text. The thread must already
// contain the user's message.
func (c *Client) Run(ctx context.Context, threadID string) (string, error) {
	if c.assistantID == "" {
		return "", fmt.Errorf("run thread %s: assistant not initialized", threadID)
	}

	req := map[string]string{
		"assistant_id": c.assistantID,
		"thread_id":    threadID,
	}
	var run runStatus
	if err := c.do(ctx, http.MethodPost, "/runs", req, &run); err != nil {
		return "", fmt.Errorf("start run on thread %s: %w", threadID, err)
	}

	for {
		switch run.Status {
		case "completed":
			return run.Reply, nil
		case "failed", "expired":
			return "", fmt.Errorf("run %s on thread %s: %s: %s", run.ID, threadID, run.Status, run.Error)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}

		if err := c.do(ctx, http.MethodGet, "/runs/"+run.ID, nil, &run); err != nil {
			return "", fmt.Errorf("poll run %s: %w", run.ID, err)
		}
	}
}

// do executes one JSON request against the service. A nil body sends
// no payload; a nil out discards the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		c.logger.Log(ctx, config.LevelTrace, "assistant request", "method", method, "path", path, "body", string(data))
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	req.Header.Set("X-Folder-ID", c.folderID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, string(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
