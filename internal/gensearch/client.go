// Package gensearch is a client for the generative search API: a
// stateless service that answers a query (optionally with prior
// conversation history) from live web results, returning an answer
// plus source links.
package gensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lanterndocs/lantern/internal/config"
)

// Message is one conversation turn in the request payload.
type Message struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// Answer is the parsed service response.
type Answer struct {
	Content string
	Sources []string
}

// Client calls the generative search API. The service holds no state;
// contextual mode is implemented by the caller supplying history.
type Client struct {
	url        string
	apiKey     string
	site       string
	host       string
	urlScope   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a generative search client from config.
func New(cfg config.SearchConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		site:     cfg.Site,
		host:     cfg.Host,
		urlScope: cfg.URLScope,
		logger:   logger.With("backend", "gensearch"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type generateRequest struct {
	Messages []Message `json:"messages"`
	Site     string    `json:"site,omitempty"`
	Host     string    `json:"host,omitempty"`
	URL      string    `json:"url,omitempty"`
}

type generateResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Links []string `json:"links"`
}

// Generate runs one search request. The final message must be the new
// user query; any preceding messages are prior conversation history.
// Passing a single-element slice is the stateless mode.
func (c *Client) Generate(ctx context.Context, messages []Message) (*Answer, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("gensearch: no messages")
	}

	payload := generateRequest{
		Messages: messages,
		Site:     c.site,
		Host:     c.host,
		URL:      c.urlScope,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gensearch: marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "gensearch request", "body", string(data))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gensearch: build request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gensearch: request failed: %w", err)
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		// fall through to decode below
	case strings.Contains(contentType, "text/xml"):
		// The service reports errors as XML regardless of status code.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gensearch: service error: %s", string(body))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gensearch: unexpected content type %q: %s", contentType, string(body))
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gensearch: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("gensearch: decode response: %w", err)
	}

	for i, link := range gr.Links {
		c.logger.Debug("gensearch source", "n", i+1, "url", link)
	}

	return &Answer{Content: gr.Message.Content, Sources: gr.Links}, nil
}

// Combined renders the answer and its numbered sources as a single
// reply string. This combined form is also what gets written back into
// the thread in contextual mode, so follow-up turns see the sources.
func (a *Answer) Combined() string {
	var b strings.Builder
	b.WriteString(a.Content)
	if len(a.Sources) > 0 {
		b.WriteString("\n\nSources:")
		for i, link := range a.Sources {
			fmt.Fprintf(&b, "\n[%d] %s", i+1, link)
		}
	}
	return b.String()
}
