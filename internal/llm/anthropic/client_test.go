package anthropic

import (
	"testing"

	"sparlo-backend/internal/llm"
)

func TestBuildSystemCachesPrefix(t *testing.T) {
	blocks := buildSystem(llm.Request{
		CacheablePrefix: "long shared consultant brief",
		System:          "per-request framing",
	})

	if len(blocks) != 2 {
		t.Fatalf("expected 2 system blocks, got %d", len(blocks))
	}
	if blocks[0].CacheControl == nil || blocks[0].CacheControl.Type != "ephemeral" {
		t.Fatalf("prefix block missing ephemeral cache control: %+v", blocks[0])
	}
	if blocks[1].CacheControl != nil {
		t.Fatalf("per-request system must not carry cache control: %+v", blocks[1])
	}
}

func TestBuildSystemSkipsEmptyBlocks(t *testing.T) {
	if blocks := buildSystem(llm.Request{System: "   "}); len(blocks) != 0 {
		t.Fatalf("expected no blocks for blank system, got %d", len(blocks))
	}
}

func TestBuildUserMessageDocumentBlocks(t *testing.T) {
	msg := buildUserMessage(llm.Request{
		UserMessage: "analyze this",
		Documents: []llm.Document{
			{Name: "brief.txt", Text: "extracted text"},
			{Name: "spec.pdf", MediaType: "application/pdf", Data: []byte("%PDF-fake")},
			{Name: "photo.png", MediaType: "image/png", Data: []byte{0x89, 0x50}},
			{Name: "empty.bin"},
		},
	})

	if msg.Role != "user" {
		t.Fatalf("role = %q, want user", msg.Role)
	}
	// Three document blocks plus the trailing prompt; the empty one drops.
	if len(msg.Content) != 4 {
		t.Fatalf("expected 4 content blocks, got %d", len(msg.Content))
	}
	if msg.Content[0].Type != "text" || msg.Content[0].Source != nil {
		t.Fatalf("extracted text should become a text block: %+v", msg.Content[0])
	}
	if msg.Content[1].Type != "document" || msg.Content[1].Source == nil || msg.Content[1].Source.Type != "base64" {
		t.Fatalf("pdf should become a base64 document block: %+v", msg.Content[1])
	}
	if msg.Content[2].Type != "image" {
		t.Fatalf("png should become an image block, got %q", msg.Content[2].Type)
	}
	if last := msg.Content[len(msg.Content)-1]; last.Type != "text" || last.Text != "analyze this" {
		t.Fatalf("prompt must be the trailing text block: %+v", last)
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		errType string
		want    bool
	}{
		{name: "rate limited", status: 429, want: true},
		{name: "server error", status: 503, want: true},
		{name: "overloaded", status: 200, errType: "overloaded_error", want: true},
		{name: "bad request", status: 400, want: false},
		{name: "invalid request type", status: 400, errType: "invalid_request_error", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableStatus(tt.status, tt.errType); got != tt.want {
				t.Fatalf("retryableStatus(%d, %q) = %v, want %v", tt.status, tt.errType, got, tt.want)
			}
		})
	}
}

func TestCollectTextJoinsTextBlocks(t *testing.T) {
	parsed := messagesResponse{}
	parsed.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{
		{Type: "text", Text: "part one "},
		{Type: "thinking", Text: "ignored"},
		{Type: "text", Text: "part two"},
	}

	if got := collectText(parsed); got != "part one part two" {
		t.Fatalf("collectText = %q", got)
	}
}
