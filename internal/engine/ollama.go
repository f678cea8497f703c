package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaEngine talks to a local Ollama server over its HTTP API.
type OllamaEngine struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaEngine creates an OllamaEngine for the server at baseURL. Calls
// are bounded by their context only; model pulls can take minutes.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// ollamaError is the body Ollama sends with non-200 responses.
type ollamaError struct {
	Error string `json:"error"`
}

// send issues a request and returns the response when the status is 200.
// in is JSON-encoded when non-nil.
func (e *OllamaEngine) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var oe ollamaError
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&oe) == nil && oe.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, oe.Error)
		}
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// call is send followed by decoding the whole body into out.
func (e *OllamaEngine) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := e.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   *Schema        `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

// Chat returns the assistant reply. With a schema the reply is constrained
// to matching JSON and sampled at temperature 0 so that the same prompt
// selects the same catalog entries.
func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	req := ollamaChatRequest{Model: model, Messages: messages, Format: jsonSchema}
	if jsonSchema != nil {
		req.Options = map[string]any{"temperature": 0}
	}
	var out ollamaChatResponse
	if err := e.call(ctx, http.MethodPost, "/api/chat", req, &out); err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return out.Message.Content, nil
}

type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request. The server truncates inputs
// longer than the model context.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out ollamaEmbedResponse
	req := ollamaEmbedRequest{Model: model, Input: texts, Truncate: true}
	if err := e.call(ctx, http.MethodPost, "/api/embed", req, &out); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// IsRunning probes GET /api/version with a short timeout.
func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := e.send(ctx, http.MethodGet, "/api/version", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var tags ollamaTags
	if err := e.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel matches name exactly or, for untagged names, any local tag of
// it ("nomic-embed-text" matches "nomic-embed-text:latest").
func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullModel downloads name, reading the streamed progress to completion.
// A stream that ends without a "success" status is an error.
func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := e.send(ctx, http.MethodPost, "/api/pull", map[string]any{"model": name, "stream": true})
	if err != nil {
		return fmt.Errorf("pull %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	var last PullProgress
	for {
		var p struct {
			PullProgress
			Error string `json:"error"`
		}
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pull %s: %s", name, p.Error)
		}
		last = p.PullProgress
		if onProgress != nil {
			onProgress(last)
		}
	}
	if last.Status != "success" {
		return fmt.Errorf("pull %s: stream ended with status %q", name, last.Status)
	}
	return nil
}
