// Package openaicompat implements the completions gateway over the OpenAI
// chat completions wire format. It works with OpenAI, OpenRouter, Groq,
// Together, Fireworks, DeepSeek, Mistral, Ollama, vLLM, LM Studio, Azure
// OpenAI, and any other backend that speaks the same API.
package openaicompat

import "encoding/json"

// --- Request types ---

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model            string    `json:"model"`
	Messages         []message `json:"messages"`
	Tools            []tool    `json:"tools,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Seed             *int      `json:"seed,omitempty"`
	ToolChoice       any       `json:"tool_choice,omitempty"`
	// When streaming, request usage in the final chunk.
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// streamOptions controls streaming behavior.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// message is a single message in the OpenAI chat format.
type message struct {
	Role       string            `json:"role"`
	Content    any               `json:"content"` // string or []contentBlock
	ToolCalls  []toolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// contentBlock is a typed content block for multimodal messages.
type contentBlock struct {
	Type     string    `json:"type"` // "text", "image_url", "file"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
	File     *fileData `json:"file,omitempty"`
}

// imageURL holds the URL (or data URI) for an image content block.
type imageURL struct {
	URL string `json:"url"`
}

// fileData holds the URL for a file content block.
type fileData struct {
	URL string `json:"url"`
}

// tool wraps a function definition in the OpenAI tool format.
type tool struct {
	Type     string   `json:"type"` // always "function"
	Function function `json:"function"`
}

// function describes a callable function for tool use.
type function struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toolCallRequest is a tool call in an API response or request. During
// streaming, Index indicates which tool call a fragment updates.
type toolCallRequest struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function functionCall `json:"function"`
}

// functionCall holds the function name and arguments (as a JSON string).
type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- Response types ---

// chatResponse is the OpenAI chat completions response (full or chunk).
type chatResponse struct {
	ID      string   `json:"id"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

// choice is a single completion choice.
type choice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// choiceMessage is the message content within a choice (message and delta).
type choiceMessage struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []toolCallRequest `json:"tool_calls,omitempty"`
	Refusal   string            `json:"refusal,omitempty"`
}

// usage contains token usage statistics.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
