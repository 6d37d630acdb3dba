package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tracevault/promptguard-engine/pkg/models"
)

const anthropicVersion = "2023-06-01"

// defaultMaxTokens applies when the caller omitted max_tokens; the
// messages API rejects requests without it.
const defaultMaxTokens = 1024

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicCompletion translates an OpenAI-shaped request into the messages
// dialect and the reply back, so the rest of the gateway handles one shape.
func (c *Client) anthropicCompletion(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	payload := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = defaultMaxTokens
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// The messages API takes the system prompt out of band.
			if payload.System == "" {
				payload.System = m.Content
			} else {
				payload.System += "\n" + m.Content
			}
		case "user", "assistant":
			payload.Messages = append(payload.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}

	var raw anthropicResponse
	err := c.doJSON(ctx, "anthropic", c.anthropic.BaseURL+"/v1/messages", payload, &raw, func(r *http.Request) {
		r.Header.Set("x-api-key", c.anthropic.APIKey)
		r.Header.Set("anthropic-version", anthropicVersion)
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range raw.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &models.ChatResponse{
		ID:      raw.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   raw.Model,
		Choices: []models.ChatChoice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: text.String()},
			FinishReason: finishReason(raw.StopReason),
		}},
		Usage: models.ChatUsage{
			PromptTokens:     raw.Usage.InputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
			TotalTokens:      raw.Usage.InputTokens + raw.Usage.OutputTokens,
		},
	}, nil
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}
