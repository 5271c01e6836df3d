package bus

import (
	"encoding/json"
	"fmt"
)

// Event types carried on the embedding topic. Queued events drive the
// embedding worker; the rest reconcile context file/doc status.
const (
	EventDocEmbedQueued    = "workspace.doc.embed.queued"
	EventFileEmbedQueued   = "workspace.file.embed.queued"
	EventDocEmbedFailed    = "workspace.doc.embed.failed"
	EventFileEmbedFinished = "workspace.file.embed.finished"
	EventFileEmbedFailed   = "workspace.file.embed.failed"
)

type DocEmbedQueued struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
	ContextID   string `json:"context_id,omitempty"`
}

type FileEmbedQueued struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	ContextID   string `json:"context_id,omitempty"`
	FileID      string `json:"file_id"`
	BlobID      string `json:"blob_id"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
}

type DocEmbedFailed struct {
	ContextID string `json:"context_id"`
	DocID     string `json:"doc_id"`
}

type FileEmbedFinished struct {
	ContextID string `json:"context_id"`
	FileID    string `json:"file_id"`
	ChunkSize int64  `json:"chunk_size"`
}

type FileEmbedFailed struct {
	ContextID string `json:"context_id"`
	FileID    string `json:"file_id"`
	Error     string `json:"error"`
}

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

func (e *Envelope) Decode(dst interface{}) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
