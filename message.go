package strand

import "encoding/json"

// --- Conversation types ---

// Message is an ordered conversation entry. Content carries plain text;
// Parts carries multimodal content (text, image, file). A message uses one
// or the other; both empty is valid for assistant messages that only carry
// tool calls.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Part is one element of a multimodal message. Binary parts (image, file)
// carry raw bytes before persistence; after persistence they carry a signed
// URL plus the storage identifiers needed to re-mint that URL on load.
type Part struct {
	Type      string `json:"type"` // "text", "image", "file"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Filename  string `json:"filename,omitempty"`

	// Data holds raw bytes for live messages only. Persisted states never
	// contain raw bytes; serialization offloads Data to the blob store.
	Data []byte `json:"data,omitempty"`

	// URL is a signed download URL, set after persistence.
	URL string `json:"url,omitempty"`
	// StorageFileID identifies the uploaded blob, so signed URLs can be
	// re-minted when the state is loaded.
	StorageFileID   string `json:"storage_file_id,omitempty"`
	StorageFilename string `json:"storage_filename,omitempty"`
}

// TextPart creates a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ImagePart creates an image part carrying raw bytes.
func ImagePart(mediaType string, data []byte) Part {
	return Part{Type: "image", MediaType: mediaType, Data: data}
}

// FilePart creates a file part carrying raw bytes.
func FilePart(filename, mediaType string, data []byte) Part {
	return Part{Type: "file", Filename: filename, MediaType: mediaType, Data: data}
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID}
}

// cloneMessages deep-copies a message slice so that iterations and persisted
// snapshots never alias live slices. Inner byte slices (ToolCall.Args,
// Part.Data) are copied too, preventing shared mutable state across the
// snapshot boundary.
func cloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				out[i].ToolCalls[j] = tc
				if len(tc.Args) > 0 {
					out[i].ToolCalls[j].Args = make(json.RawMessage, len(tc.Args))
					copy(out[i].ToolCalls[j].Args, tc.Args)
				}
			}
		}
		if len(m.Parts) > 0 {
			out[i].Parts = make([]Part, len(m.Parts))
			for j, p := range m.Parts {
				out[i].Parts[j] = p
				if len(p.Data) > 0 {
					out[i].Parts[j].Data = make([]byte, len(p.Data))
					copy(out[i].Parts[j].Data, p.Data)
				}
			}
		}
	}
	return out
}

// Usage tracks token consumption for one LLM call or an aggregate of calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
