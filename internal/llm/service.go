// Package llm abstracts the language model as an RPC-like collaborator
// with three call shapes: structured, reasoning, and tool-calling. The
// actual LLM transport lives behind an HTTP endpoint; this package is
// the thin client over it, handling prompt-injection hygiene,
// sanitization, and pooled HTTP connections.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/jsonx"
)

// Service is the three-shape LLM surface Vestige's extraction and
// synthesis stages need. All three
// methods return a zero value and a non-nil error on failure; callers are
// expected to handle the error rather than receive a sentinel "empty"
// result, matching Go's idiom over the original's "returns None".
type Service interface {
	// CallStructured parses the model's reply into schema-shaped JSON,
	// retrying up to the configured ceiling on parse failure.
	CallStructured(ctx context.Context, system, user string, out interface{}) error
	// CallReasoning returns raw free text; the caller parses any
	// structured block inside.
	CallReasoning(ctx context.Context, system, user string) (string, error)
	// CallWithTools returns the content and/or a list of chosen tool
	// invocations; tool_choice is "required" on the wire.
	CallWithTools(ctx context.Context, system, user string, tools []ToolSchema) (*ToolResponse, error)
}

// ToolSchema describes one callable tool, mirroring the agent's tool
// table.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCallRequest is one tool the model chose to invoke.
type ToolCallRequest struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON, parsed by the caller
}

// ToolResponse is call_with_tools' return shape.
type ToolResponse struct {
	Content   string            `json:"content,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

// Config configures the HTTP-based LLM client.
type Config struct {
	BaseURL         string
	StructuredModel string
	ReasoningModel  string
	ToolModel       string
	MaxRetries      int
	Timeout         time.Duration
}

// DefaultConfig sets conservative timeout/pooling defaults.
func DefaultConfig() Config {
	return Config{
		StructuredModel: "glm-4-plus",
		ReasoningModel:  "moonshotai/kimi-k2-instruct-0905",
		ToolModel:       "glm-4-plus",
		MaxRetries:      2,
		Timeout:         60 * time.Second,
	}
}

// HTTPService implements Service as an HTTP RPC client over a separate
// AI-services boundary. Swappable behind the Service interface for tests.
type HTTPService struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds an HTTP-backed LLM service client.
func New(cfg Config, logger *zap.Logger) *HTTPService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPService{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

type structuredRequest struct {
	System string `json:"system"`
	User   string `json:"user"`
	Model  string `json:"model"`
	Schema bool   `json:"structured"`
}

type reasoningResponse struct {
	Text string `json:"text"`
}

// CallStructured posts to /structured and retries MaxRetries times on a
// parse failure, using a 2-retry default.
func (s *HTTPService) CallStructured(ctx context.Context, system, user string, out interface{}) error {
	sanitizedUser := SanitizePromptInput(user)

	var lastErr error
	attempts := s.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		body, err := jsonx.Marshal(structuredRequest{
			System: system,
			User:   sanitizedUser,
			Model:  s.cfg.StructuredModel,
			Schema: true,
		})
		if err != nil {
			return fmt.Errorf("marshal structured request: %w", err)
		}

		resp, err := s.post(ctx, "/structured", body)
		if err != nil {
			lastErr = err
			continue
		}

		if err := jsonx.Unmarshal(resp, out); err != nil {
			lastErr = fmt.Errorf("parse structured response (attempt %d): %w", attempt+1, err)
			continue
		}
		return nil
	}
	return lastErr
}

// CallReasoning posts to /reasoning and returns the raw text reply.
func (s *HTTPService) CallReasoning(ctx context.Context, system, user string) (string, error) {
	sanitizedUser := SanitizePromptInput(user)

	body, err := jsonx.Marshal(structuredRequest{System: system, User: sanitizedUser, Model: s.cfg.ReasoningModel})
	if err != nil {
		return "", fmt.Errorf("marshal reasoning request: %w", err)
	}

	resp, err := s.post(ctx, "/reasoning", body)
	if err != nil {
		return "", err
	}

	var out reasoningResponse
	if err := jsonx.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("parse reasoning response: %w", err)
	}
	return out.Text, nil
}

type toolsRequest struct {
	System string       `json:"system"`
	User   string       `json:"user"`
	Model  string       `json:"model"`
	Tools  []ToolSchema `json:"tools"`
	Choice string       `json:"tool_choice"`
}

// CallWithTools posts to /tools with tool_choice "required".
func (s *HTTPService) CallWithTools(ctx context.Context, system, user string, tools []ToolSchema) (*ToolResponse, error) {
	sanitizedUser := SanitizePromptInput(user)

	body, err := jsonx.Marshal(toolsRequest{
		System: system,
		User:   sanitizedUser,
		Model:  s.cfg.ToolModel,
		Tools:  tools,
		Choice: "required",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tools request: %w", err)
	}

	resp, err := s.post(ctx, "/tools", body)
	if err != nil {
		return nil, err
	}

	var out ToolResponse
	if err := jsonx.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("parse tools response: %w", err)
	}
	return &out, nil
}

func (s *HTTPService) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm service call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm service %s returned status %d", path, resp.StatusCode)
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read llm response: %w", err)
	}
	return buf.Bytes(), nil
}

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore (all )?(previous|above) instructions`),
		regexp.MustCompile(`(?i)you are now`),
		regexp.MustCompile(`(?i)system prompt`),
		regexp.MustCompile(`(?i)<\|.*?\|>`),
	}
	excessWhitespace = regexp.MustCompile(`\s{3,}`)
)

// SanitizePromptInput strips known prompt-injection patterns before any
// user text reaches an LLM call.
func SanitizePromptInput(text string) string {
	out := text
	for _, pattern := range injectionPatterns {
		out = pattern.ReplaceAllString(out, "[filtered]")
	}
	out = excessWhitespace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
