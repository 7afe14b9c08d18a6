package openaicompat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/strand"
)

// genParams are the generation settings accepted in ProviderConfig.Settings.
type genParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
}

// buildBody converts a completion request into the OpenAI wire format.
// System messages stay in the messages array as role:"system". ActiveTools,
// when non-nil, restricts the tool definitions sent; ToolChoice maps "" to
// provider default, "auto"/"none"/"required" verbatim, and any other value
// to a forced function choice.
func buildBody(req strand.CompletionRequest) (chatRequest, error) {
	var msgs []message
	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []toolCallRequest
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				tcs = append(tcs, toolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			msg := message{Role: "assistant", ToolCalls: tcs}
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == "tool":
			msgs = append(msgs, message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		case len(m.Parts) > 0:
			blocks, err := buildBlocks(m.Parts)
			if err != nil {
				return chatRequest{}, err
			}
			msgs = append(msgs, message{Role: m.Role, Content: blocks})

		default:
			msgs = append(msgs, message{Role: m.Role, Content: m.Content})
		}
	}

	body := chatRequest{
		Model:    req.Provider.Model,
		Messages: msgs,
		Tools:    buildToolDefs(req.Tools, req.ActiveTools),
	}

	switch req.ToolChoice {
	case "":
	case "auto", "none", "required":
		body.ToolChoice = req.ToolChoice
	default:
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice},
		}
	}

	if len(req.Provider.Settings) > 0 {
		var params genParams
		if err := json.Unmarshal(req.Provider.Settings, &params); err != nil {
			return chatRequest{}, fmt.Errorf("parse provider settings: %w", err)
		}
		body.Temperature = params.Temperature
		body.TopP = params.TopP
		body.MaxTokens = params.MaxTokens
		body.FrequencyPenalty = params.FrequencyPenalty
		body.PresencePenalty = params.PresencePenalty
		body.Stop = params.Stop
		body.Seed = params.Seed
	}

	return body, nil
}

// buildBlocks converts multimodal parts to OpenAI content blocks. Parts
// carrying raw bytes become data URIs; persisted parts use their signed URL.
func buildBlocks(parts []strand.Part) ([]contentBlock, error) {
	var blocks []contentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case "image", "file":
			url := p.URL
			if url == "" {
				if len(p.Data) == 0 {
					return nil, fmt.Errorf("%s part has neither data nor url", p.Type)
				}
				url = fmt.Sprintf("data:%s;base64,%s",
					p.MediaType, base64.StdEncoding.EncodeToString(p.Data))
			}
			if p.Type == "image" || strings.HasPrefix(p.MediaType, "image/") {
				blocks = append(blocks, contentBlock{Type: "image_url", ImageURL: &imageURL{URL: url}})
			} else {
				blocks = append(blocks, contentBlock{Type: "file", File: &fileData{URL: url}})
			}
		default:
			return nil, fmt.Errorf("unsupported part type %q", p.Type)
		}
	}
	return blocks, nil
}

// buildToolDefs converts tool definitions to the OpenAI tool format,
// filtered by the active subset when one is given.
func buildToolDefs(tools []strand.ToolDefinition, active []string) []tool {
	var allowed map[string]bool
	if active != nil {
		allowed = make(map[string]bool, len(active))
		for _, name := range active {
			allowed[name] = true
		}
	}
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		if allowed != nil && !allowed[t.Name] {
			continue
		}
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
