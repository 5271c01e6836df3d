package model

import (
	"encoding/json"
	"fmt"
)

type EmbedStatus string

const (
	EmbedStatusProcessing EmbedStatus = "processing"
	EmbedStatusFinished   EmbedStatus = "finished"
	EmbedStatusFailed     EmbedStatus = "failed"
)

type CategoryType string

const (
	CategoryTypeTag        CategoryType = "tag"
	CategoryTypeCollection CategoryType = "collection"
)

type ContextDoc struct {
	ID        string      `json:"id"`
	CreatedAt int64       `json:"created_at"`
	Status    EmbedStatus `json:"status,omitempty"`
}

type ContextFile struct {
	ID        string      `json:"id"`
	BlobID    string      `json:"blob_id"`
	Name      string      `json:"name"`
	MimeType  string      `json:"mime_type,omitempty"`
	ChunkSize int64       `json:"chunk_size"`
	Status    EmbedStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	CreatedAt int64       `json:"created_at"`
}

type ContextCategory struct {
	ID        string       `json:"id"`
	Type      CategoryType `json:"type"`
	Docs      []ContextDoc `json:"docs"`
	CreatedAt int64        `json:"created_at"`
}

// ContextConfigVersion is the current on-disk schema version of the config
// blob. ParseContextConfig upgrades older versions on load.
const ContextConfigVersion = 1

type ContextConfig struct {
	Version     int               `json:"version"`
	WorkspaceID string            `json:"workspace_id"`
	Docs        []ContextDoc      `json:"docs"`
	Files       []ContextFile     `json:"files"`
	Categories  []ContextCategory `json:"categories"`
}

func NewContextConfig(workspaceID string) *ContextConfig {
	return &ContextConfig{
		Version:     ContextConfigVersion,
		WorkspaceID: workspaceID,
		Docs:        []ContextDoc{},
		Files:       []ContextFile{},
		Categories:  []ContextCategory{},
	}
}

// ParseContextConfig decodes a stored config blob and migrates legacy
// versions. A blob without workspace_id is corrupt and fails loudly.
func ParseContextConfig(raw []byte) (*ContextConfig, error) {
	cfg := &ContextConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode context config: %w", err)
	}
	if cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("context config missing workspace_id")
	}
	switch cfg.Version {
	case 0, ContextConfigVersion:
		cfg.Version = ContextConfigVersion
	default:
		return nil, fmt.Errorf("unknown context config version: %d", cfg.Version)
	}
	if cfg.Docs == nil {
		cfg.Docs = []ContextDoc{}
	}
	if cfg.Files == nil {
		cfg.Files = []ContextFile{}
	}
	if cfg.Categories == nil {
		cfg.Categories = []ContextCategory{}
	}
	return cfg, nil
}

// DocIDs returns the union of directly attached doc ids and category doc
// ids, deduplicated, in first-seen order.
func (c *ContextConfig) DocIDs() []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(c.Docs))
	appendID := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, doc := range c.Docs {
		appendID(doc.ID)
	}
	for _, category := range c.Categories {
		for _, doc := range category.Docs {
			appendID(doc.ID)
		}
	}
	return ids
}

type Context struct {
	ID        string
	SessionID string
	Config    *ContextConfig
	Ctime     int64
	Mtime     int64
}

type ChatSession struct {
	ID          string `db:"id"`
	WorkspaceID string `db:"workspace_id"`
	UserID      string `db:"user_id"`
	Ctime       int64  `db:"ctime"`
}
