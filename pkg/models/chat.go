package models

import "encoding/json"

// ChatMessage is one turn in an OpenAI-compatible conversation body.
type ChatMessage struct {
	Role    string `json:"role"` // "system"/"user"/"assistant"/"tool"
	Content string `json:"content"`
}

// ChatRequest is the inbound body for /v1/chat/completions and, after
// translation, /v1/messages.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []ChatMessage     `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	User        string            `json:"user,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`   // gateway extension
	SessionID   string            `json:"session_id,omitempty"` // gateway extension
}

// SystemPrompt returns the first system message, or "".
func (r *ChatRequest) SystemPrompt() string {
	for _, m := range r.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// LastUserMessage returns the most recent user turn, or "".
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ChatChoice is one completion alternative in an upstream response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage carries upstream token accounting.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the OpenAI-compatible completion body returned to clients.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// FirstContent returns the first choice's message content, or "".
func (r *ChatResponse) FirstContent() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ScanInputRequest is the body for POST /scan/input.
type ScanInputRequest struct {
	Text      string `json:"text" binding:"required"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
}

// ScanInputResponse reports the detection verdict for a prompt.
type ScanInputResponse struct {
	Safe         bool     `json:"safe"`
	RiskScore    float64  `json:"riskScore"`
	RiskLevel    Severity `json:"riskLevel"`
	Threats      []Threat `json:"threats"`
	IntentBypass bool     `json:"intentBypass"`
	LatencyMS    int64    `json:"latencyMs"`
}

// ScanOutputRequest is the body for POST /scan/output.
type ScanOutputRequest struct {
	Text         string `json:"text" binding:"required"`
	AgentID      string `json:"agent_id"`
	SessionID    string `json:"session_id"`
	AutoSanitize bool   `json:"auto_sanitize"`
}

// ScanOutputResponse reports PII and leakage findings for a completion,
// with the sanitized text when auto_sanitize was requested.
type ScanOutputResponse struct {
	Safe          bool       `json:"safe"`
	PIIMatches    []PIIMatch `json:"piiMatches"`
	LeakThreats   []Threat   `json:"leakThreats,omitempty"`
	SanitizedText string     `json:"sanitizedText,omitempty"`
	LatencyMS     int64      `json:"latencyMs"`
}
