package model

type Embedding struct {
	Index   int64
	Content string
	Vector  []float32
}

type DocChunk struct {
	DocID    string  `json:"doc_id"`
	Chunk    int64   `json:"chunk"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

type FileChunk struct {
	FileID   string  `json:"file_id"`
	BlobID   string  `json:"blob_id,omitempty"`
	Name     string  `json:"name,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	Chunk    int64   `json:"chunk"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// MatchedChunk is the mixed doc/file result row used when files and docs
// are matched and ranked in a single pass. Exactly one of DocID and FileID
// is set.
type MatchedChunk struct {
	DocID    string  `json:"doc_id,omitempty"`
	FileID   string  `json:"file_id,omitempty"`
	BlobID   string  `json:"blob_id,omitempty"`
	Name     string  `json:"name,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	Chunk    int64   `json:"chunk"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

func (c MatchedChunk) TargetID() string {
	if c.DocID != "" {
		return c.DocID
	}
	return c.FileID
}

func DocChunkToMatched(c DocChunk) MatchedChunk {
	return MatchedChunk{DocID: c.DocID, Chunk: c.Chunk, Content: c.Content, Distance: c.Distance}
}

func FileChunkToMatched(c FileChunk) MatchedChunk {
	return MatchedChunk{
		FileID:   c.FileID,
		BlobID:   c.BlobID,
		Name:     c.Name,
		MimeType: c.MimeType,
		Chunk:    c.Chunk,
		Content:  c.Content,
		Distance: c.Distance,
	}
}
