package strand

import (
	"bytes"
	"context"
	"time"
)

// RunStatus is the lifecycle status of a persisted run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusSuspended RunStatus = "suspended"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
)

// stateSchemaVersion is written into every persisted state so future layout
// changes can migrate on load.
const stateSchemaVersion = 1

// ParentContext links a child run to the tool call of its parent that
// spawned it.
type ParentContext struct {
	StateID    string `json:"state_id"`
	ManifestID string `json:"manifest_id"`
	ToolCallID string `json:"tool_call_id"`
}

// StepResult records one completed loop step.
type StepResult struct {
	StepNumber   int              `json:"step_number"`
	Text         string           `json:"text,omitempty"`
	ToolCalls    []ToolCall       `json:"tool_calls,omitempty"`
	ToolResults  []ToolResultPart `json:"tool_results,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Usage        Usage            `json:"usage"`
}

// AgentRunState is the per-run mutable snapshot persisted in the state
// cache. It is exclusively owned by the executor while the run lock is held,
// and owned by the cache otherwise. Persisted states never contain raw
// binary bytes: serialization offloads them to the blob store.
type AgentRunState struct {
	RunID           string         `json:"run_id"`
	RootManifestID  string         `json:"root_manifest_id"`
	ManifestID      string         `json:"manifest_id"`
	ManifestVersion string         `json:"manifest_version"`
	ParentContext   *ParentContext `json:"parent_context,omitempty"`

	Messages          []Message    `json:"messages"`
	Steps             []StepResult `json:"steps,omitempty"`
	CurrentStepNumber int          `json:"current_step_number"`

	Suspensions        []ToolApprovalSuspension `json:"suspensions,omitempty"`
	SuspensionStacks   []SuspensionStack        `json:"suspension_stacks,omitempty"`
	PendingToolResults []ToolResultPart         `json:"pending_tool_results,omitempty"`
	OutputRetries      int                      `json:"output_retries,omitempty"`

	Status    RunStatus  `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// ElapsedExecutionMs accumulates execution time across resumes and
	// excludes time spent suspended. Monotonic.
	ElapsedExecutionMs int64 `json:"elapsed_execution_ms"`

	ChildStateIDs []string       `json:"child_state_ids,omitempty"`
	SchemaVersion int            `json:"schema_version"`
	Context       map[string]any `json:"context,omitempty"`
}

// leafSuspensions returns the run's own suspensions plus every leaf
// suspension contributed by suspension stacks.
func (s *AgentRunState) leafSuspensions() []ToolApprovalSuspension {
	out := make([]ToolApprovalSuspension, 0, len(s.Suspensions)+len(s.SuspensionStacks))
	out = append(out, s.Suspensions...)
	for _, stack := range s.SuspensionStacks {
		out = append(out, stack.LeafSuspension)
	}
	return out
}

// findOwnSuspension returns the run's own suspension with the given approval
// id, or nil when the approval targets a descendant (or nothing).
func (s *AgentRunState) findOwnSuspension(approvalID string) *ToolApprovalSuspension {
	for i := range s.Suspensions {
		if s.Suspensions[i].ApprovalID == approvalID {
			return &s.Suspensions[i]
		}
	}
	return nil
}

// addChildState records a child run id once.
func (s *AgentRunState) addChildState(id string) {
	for _, existing := range s.ChildStateIDs {
		if existing == id {
			return
		}
	}
	s.ChildStateIDs = append(s.ChildStateIDs, id)
}

// --- message (de)serialization boundary ---

// blobURLTTL is the expiry requested for signed URLs minted during
// serialization and on load.
const blobURLTTL = 24 * time.Hour

// blobFolder groups a run's uploads in the blob store.
func blobFolder(runID string) string { return "runs/" + runID }

// serializeMessages prepares messages for persistence: every part carrying
// raw bytes is uploaded to storage and rewritten as a signed URL plus the
// storage identifiers needed to re-mint it. The input slice is not mutated.
// With no storage configured, binary parts are a validation error: a state
// snapshot must be text-only.
func serializeMessages(ctx context.Context, storage StorageService, runID string, messages []Message) ([]Message, error) {
	hasBinary := false
	for _, m := range messages {
		for _, p := range m.Parts {
			if len(p.Data) > 0 {
				hasBinary = true
			}
		}
	}
	if !hasBinary {
		return messages, nil
	}
	if storage == nil {
		return nil, NewError(CodeValidation, "binary message content requires a storage service")
	}

	out := cloneMessages(messages)
	folder := blobFolder(runID)
	for i := range out {
		for j := range out[i].Parts {
			p := &out[i].Parts[j]
			if len(p.Data) == 0 {
				continue
			}
			fileID := newFileID()
			filename := p.Filename
			if filename == "" {
				filename = fileID
			}
			if err := storage.Upload(ctx, folder, UploadPayload{
				ID:        fileID,
				Filename:  filename,
				MediaType: p.MediaType,
				Reader:    bytes.NewReader(p.Data),
				Size:      int64(len(p.Data)),
			}); err != nil {
				return nil, WrapError(CodeInternal, "upload message content", err)
			}
			url, err := storage.DownloadURL(ctx, folder, fileID, filename, blobURLTTL)
			if err != nil {
				return nil, WrapError(CodeInternal, "mint download url", err)
			}
			p.Data = nil
			p.URL = url
			p.StorageFileID = fileID
			p.StorageFilename = filename
		}
	}
	return out, nil
}

// refreshMessageURLs re-mints signed URLs for offloaded parts on load, so a
// resumed run always sees live URLs. Parts without a storage file id are
// untouched. Best effort is not acceptable here: a dead URL would reach the
// provider, so minting failures propagate.
func refreshMessageURLs(ctx context.Context, storage StorageService, runID string, messages []Message) ([]Message, error) {
	needsRefresh := false
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.StorageFileID != "" {
				needsRefresh = true
			}
		}
	}
	if !needsRefresh || storage == nil {
		return messages, nil
	}
	out := cloneMessages(messages)
	folder := blobFolder(runID)
	for i := range out {
		for j := range out[i].Parts {
			p := &out[i].Parts[j]
			if p.StorageFileID == "" {
				continue
			}
			url, err := storage.DownloadURL(ctx, folder, p.StorageFileID, p.StorageFilename, blobURLTTL)
			if err != nil {
				return nil, WrapError(CodeInternal, "refresh download url", err)
			}
			p.URL = url
		}
	}
	return out, nil
}
