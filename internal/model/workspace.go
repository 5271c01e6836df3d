package model

type WorkspaceFile struct {
	WorkspaceID string `db:"workspace_id" json:"workspace_id"`
	FileID      string `db:"file_id" json:"file_id"`
	BlobID      string `db:"blob_id" json:"blob_id"`
	FileName    string `db:"file_name" json:"file_name"`
	MimeType    string `db:"mime_type" json:"mime_type"`
	Size        int64  `db:"size" json:"size"`
	Ctime       int64  `db:"ctime" json:"ctime"`
}

type IgnoredDoc struct {
	WorkspaceID string `db:"workspace_id" json:"workspace_id"`
	DocID       string `db:"doc_id" json:"doc_id"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

type WorkspaceDoc struct {
	WorkspaceID string `db:"workspace_id"`
	DocID       string `db:"doc_id"`
	Content     string `db:"content"`
	UpdatedAt   int64  `db:"updated_at"`
}

type EmbeddingStatus struct {
	Total    int64 `json:"total"`
	Embedded int64 `json:"embedded"`
}
