// Package embedding turns text into fixed-length vectors via an
// OpenAI-compatible embeddings endpoint, with an optional Redis
// read-through cache keyed by text hash.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmbeddingError wraps any failure of the embedding capability. Callers
// that treat the cache as optional match on it with errors.As.
type EmbeddingError struct {
	Provider string
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (%s): %v", e.Provider, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Embedder produces a fixed-length vector for a text.
type Embedder interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// Name returns the embedder identifier (used as cache namespace).
	Name() string
}

// Config holds connection settings for the embeddings endpoint.
type Config struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Client is an OpenAI-compatible embeddings client.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates an embeddings client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string    { return c.cfg.Model }
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	body := embedRequest{
		Input:      []string{query},
		Model:      c.cfg.Model,
		Dimensions: c.cfg.Dimensions,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &EmbeddingError{Provider: c.Name(), Err: err}
	}

	endpoint := fmt.Sprintf("%s/embeddings", strings.TrimRight(c.cfg.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &EmbeddingError{Provider: c.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Provider: c.Name(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &EmbeddingError{
			Provider: c.Name(),
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &EmbeddingError{Provider: c.Name(), Err: err}
	}
	if len(out.Data) == 0 {
		return nil, &EmbeddingError{Provider: c.Name(), Err: errors.New("no embeddings returned")}
	}
	return out.Data[0].Embedding, nil
}

// TextHash returns the SHA-256 hex digest used as the cache key for a text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
