package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"sparlo-backend/internal/llm"
)

const (
	apiURL     = "https://api.anthropic.com/v1/messages"
	apiVersion = "2023-06-01"
)

// Client implements llm.Client using the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient constructs a new Anthropic client.
func NewClient(apiKey, model string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for Anthropic")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	timeout := 300 * time.Second
	if raw := strings.TrimSpace(os.Getenv("ANTHROPIC_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *blockSource `json:"source,omitempty"`
}

type blockSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	System      []systemBlock `json:"system,omitempty"`
	Messages    []message     `json:"messages"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one Messages API call and returns the text content and usage.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	body := messagesRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		System:    buildSystem(req),
		Messages:  []message{buildUserMessage(req)},
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return llm.Response{}, &llm.Error{Message: "anthropic request timeout: " + err.Error(), Retryable: true}
		}
		return llm.Response{}, &llm.Error{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Response{}, &llm.Error{Message: "read response: " + err.Error(), Retryable: true}
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Response{}, &llm.Error{Status: resp.StatusCode, Message: "anthropic response parse: " + err.Error()}
	}
	if parsed.Error != nil {
		return llm.Response{}, &llm.Error{
			Status:    resp.StatusCode,
			Type:      parsed.Error.Type,
			Message:   parsed.Error.Message,
			Retryable: retryableStatus(resp.StatusCode, parsed.Error.Type),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.Response{}, &llm.Error{
			Status:    resp.StatusCode,
			Message:   fmt.Sprintf("anthropic http status %d", resp.StatusCode),
			Retryable: retryableStatus(resp.StatusCode, ""),
		}
	}

	content := collectText(parsed)
	if content == "" {
		return llm.Response{}, &llm.Error{Status: resp.StatusCode, Message: "anthropic response empty content"}
	}

	out := llm.Response{Content: content}
	if parsed.Usage != nil {
		// Cached prefix reads still count as input for metering purposes.
		out.Usage = llm.Usage{
			InputTokens:  parsed.Usage.InputTokens + parsed.Usage.CacheReadInputTokens + parsed.Usage.CacheCreationInputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		}
	}
	return out, nil
}

func buildSystem(req llm.Request) []systemBlock {
	var blocks []systemBlock
	if strings.TrimSpace(req.CacheablePrefix) != "" {
		blocks = append(blocks, systemBlock{
			Type:         "text",
			Text:         req.CacheablePrefix,
			CacheControl: &cacheControl{Type: "ephemeral"},
		})
	}
	if strings.TrimSpace(req.System) != "" {
		blocks = append(blocks, systemBlock{Type: "text", Text: req.System})
	}
	return blocks
}

func buildUserMessage(req llm.Request) message {
	blocks := make([]contentBlock, 0, len(req.Documents)+1)
	for _, doc := range req.Documents {
		if doc.Text != "" {
			blocks = append(blocks, contentBlock{
				Type: "text",
				Text: fmt.Sprintf("Attached document %q:\n\n%s", doc.Name, doc.Text),
			})
			continue
		}
		if len(doc.Data) == 0 {
			continue
		}
		blockType := "document"
		if strings.HasPrefix(doc.MediaType, "image/") {
			blockType = "image"
		}
		blocks = append(blocks, contentBlock{
			Type: blockType,
			Source: &blockSource{
				Type:      "base64",
				MediaType: doc.MediaType,
				Data:      base64.StdEncoding.EncodeToString(doc.Data),
			},
		})
	}
	blocks = append(blocks, contentBlock{Type: "text", Text: req.UserMessage})
	return message{Role: "user", Content: blocks}
}

func collectText(parsed messagesResponse) string {
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func retryableStatus(status int, errType string) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	switch errType {
	case "overloaded_error", "api_error", "rate_limit_error":
		return true
	}
	return false
}
