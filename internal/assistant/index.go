package assistant

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Index-creation constants matching the knowledge-base ingestion flow:
// chunk documents at 1000 tokens with 200 tokens of overlap.
const (
	indexChunkSizeTokens    = 1000
	indexChunkOverlapTokens = 200
)

// UploadFile stores a knowledge-base document with the service and
// returns its file ID. Uploaded files expire on the same inactivity
// TTL as the index built from them.
func (c *Client) UploadFile(ctx context.Context, name, description, content string, ttlDays int) (string, error) {
	req := map[string]any{
		"name":              name,
		"description":       description,
		"content":           content,
		"ttl_days":          ttlDays,
		"expiration_policy": "SINCE_LAST_ACTIVE",
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/files", req, &resp); err != nil {
		return "", fmt.Errorf("upload file %s: %w", name, err)
	}
	c.logger.Debug("file uploaded", "file_id", resp.ID, "name", name)
	return resp.ID, nil
}

type operationStatus struct {
	ID    string `json:"id"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
	Index struct {
		ID string `json:"id"`
	} `json:"index,omitempty"`
}

// CreateSearchIndex builds a vector search index over the uploaded
// files and blocks until the deferred operation completes, returning
// the index ID. Index construction can take minutes for large
// knowledge bases; the caller's ctx bounds the wait.
func (c *Client) CreateSearchIndex(ctx context.Context, name, description string, fileIDs []string, ttlDays int) (string, error) {
	req := map[string]any{
		"name":              name,
		"description":       description,
		"file_ids":          fileIDs,
		"ttl_days":          ttlDays,
		"expiration_policy": "SINCE_LAST_ACTIVE",
		"index_type": map[string]any{
			"type": "vector",
			"chunking_strategy": map[string]int{
				"max_chunk_size_tokens": indexChunkSizeTokens,
				"chunk_overlap_tokens":  indexChunkOverlapTokens,
			},
		},
	}

	var op operationStatus
	if err := c.do(ctx, http.MethodPost, "/search_indexes", req, &op); err != nil {
		return "", fmt.Errorf("create search index: %w", err)
	}

	for !op.Done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
		if err := c.do(ctx, http.MethodGet, "/operations/"+op.ID, nil, &op); err != nil {
			return "", fmt.Errorf("poll index operation %s: %w", op.ID, err)
		}
	}

	if op.Error != "" {
		return "", fmt.Errorf("create search index: %s", op.Error)
	}
	if op.Index.ID == "" {
		return "", fmt.Errorf("create search index: operation completed without an index id")
	}
	c.logger.Info("search index created", "index_id", op.Index.ID, "files", len(fileIDs))
	return op.Index.ID, nil
}
