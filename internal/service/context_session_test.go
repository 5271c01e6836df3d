package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/contextd/internal/model"
)

func newTestSession(t *testing.T, env *testEnv) *ContextSession {
	t.Helper()
	env.addSession("session-1", "ws-1", "user-1")
	session, err := env.svc.Create(context.Background(), "session-1", "ws-1", "user-1")
	require.NoError(t, err)
	return session
}

func TestSessionAddDocRecord_Idempotent(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	first, err := session.AddDocRecord(ctx, "doc-1")
	require.NoError(t, err)
	first.Status = model.EmbedStatusFinished

	again, err := session.AddDocRecord(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, model.EmbedStatusFinished, again.Status)
	require.Len(t, session.Docs(), 1)
}

func TestSessionRemoveDocRecord(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	_, err := session.AddDocRecord(ctx, "doc-1")
	require.NoError(t, err)

	removed, err := session.RemoveDocRecord(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, removed)
	require.Empty(t, session.Docs())

	removed, err = session.RemoveDocRecord(ctx, "doc-1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestSessionAddCategoryRecord_MergePreservesStatus(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	category, err := session.AddCategoryRecord(ctx, model.CategoryTypeTag, "tag-1", []string{"doc-1", "doc-2"})
	require.NoError(t, err)
	require.Len(t, category.Docs, 2)
	category.Docs[0].Status = model.EmbedStatusFinished

	merged, err := session.AddCategoryRecord(ctx, model.CategoryTypeTag, "tag-1", []string{"doc-1", "doc-3"})
	require.NoError(t, err)
	require.Len(t, merged.Docs, 3)
	require.Equal(t, model.EmbedStatusFinished, merged.Docs[0].Status)
	require.Equal(t, "doc-3", merged.Docs[2].ID)

	// same id under another type is a distinct category
	other, err := session.AddCategoryRecord(ctx, model.CategoryTypeCollection, "tag-1", []string{"doc-9"})
	require.NoError(t, err)
	require.Len(t, other.Docs, 1)
	require.Len(t, session.Categories(model.CategoryTypeTag), 1)
	require.Len(t, session.Categories(model.CategoryTypeCollection), 1)
}

func TestSessionRemoveCategoryRecord_TypeScoped(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	_, err := session.AddCategoryRecord(ctx, model.CategoryTypeTag, "cat-1", []string{"doc-1"})
	require.NoError(t, err)

	removed, err := session.RemoveCategoryRecord(ctx, model.CategoryTypeCollection, "cat-1")
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = session.RemoveCategoryRecord(ctx, model.CategoryTypeTag, "cat-1")
	require.NoError(t, err)
	require.True(t, removed)
	require.Empty(t, session.Categories(model.CategoryTypeTag))
}

func TestSessionDocIDs_DedupAcrossCategories(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	_, err := session.AddDocRecord(ctx, "doc-1")
	require.NoError(t, err)
	_, err = session.AddCategoryRecord(ctx, model.CategoryTypeTag, "tag-1", []string{"doc-1", "doc-2"})
	require.NoError(t, err)
	_, err = session.AddCategoryRecord(ctx, model.CategoryTypeCollection, "col-1", []string{"doc-2", "doc-3"})
	require.NoError(t, err)

	require.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, session.DocIDs())
}

func TestSessionAddFile_BlobDedup(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	file, needEmbed, err := session.AddFile(ctx, "blob-1", "a.md", "text/markdown")
	require.NoError(t, err)
	require.True(t, needEmbed)

	// unfinished record is reset under the same file id
	file.Status = model.EmbedStatusFailed
	file.Error = "boom"
	reset, needEmbed, err := session.AddFile(ctx, "blob-1", "b.md", "text/markdown")
	require.NoError(t, err)
	require.True(t, needEmbed)
	require.Equal(t, file.ID, reset.ID)
	require.Equal(t, "b.md", reset.Name)
	require.Equal(t, model.EmbedStatusProcessing, reset.Status)
	require.Empty(t, reset.Error)

	// finished record is reused untouched
	reset.Status = model.EmbedStatusFinished
	reused, needEmbed, err := session.AddFile(ctx, "blob-1", "c.md", "text/markdown")
	require.NoError(t, err)
	require.False(t, needEmbed)
	require.Equal(t, file.ID, reused.ID)
	require.Equal(t, "b.md", reused.Name)
	require.Len(t, session.Files(), 1)
}

func TestSessionSaveDocRecord_TouchesAllCopies(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	_, err := session.AddDocRecord(ctx, "doc-1")
	require.NoError(t, err)
	_, err = session.AddCategoryRecord(ctx, model.CategoryTypeTag, "tag-1", []string{"doc-1"})
	require.NoError(t, err)

	err = session.SaveDocRecord(ctx, "doc-1", func(doc *model.ContextDoc) {
		doc.Status = model.EmbedStatusFailed
	})
	require.NoError(t, err)
	require.Equal(t, model.EmbedStatusFailed, session.Docs()[0].Status)
	require.Equal(t, model.EmbedStatusFailed, session.Categories(model.CategoryTypeTag)[0].Docs[0].Status)
}

func TestSessionMatchFiles_FillsAttachedMetadata(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	file, _, err := session.AddFile(ctx, "blob-1", "notes.md", "text/markdown")
	require.NoError(t, err)

	env.embeddings.fileMatches = []model.FileChunk{
		{FileID: file.ID, Chunk: 0, Content: "scoped", Distance: 0.1},
		{FileID: "detached", Chunk: 0, Content: "gone", Distance: 0.2},
	}
	env.wsFiles.matches = []model.FileChunk{
		{FileID: "ws-file", BlobID: "blob-9", Name: "global.md", Chunk: 1, Content: "global", Distance: 0.3},
	}

	chunks, err := session.MatchFiles(ctx, "query", 10, 0, 0)
	require.NoError(t, err)
	// the chunk of the detached file is dropped
	require.Len(t, chunks, 2)
	require.Equal(t, "blob-1", chunks[0].BlobID)
	require.Equal(t, "notes.md", chunks[0].Name)
	require.Equal(t, "ws-file", chunks[1].FileID)
}

func TestSessionMatchWorkspaceDocs_ScopedFirst(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)
	ctx := context.Background()

	_, err := session.AddDocRecord(ctx, "doc-scoped")
	require.NoError(t, err)

	env.embeddings.docMatches = map[string][]model.DocChunk{
		"within": {
			{DocID: "doc-scoped", Chunk: 1, Distance: 0.6},
			{DocID: "doc-scoped", Chunk: 0, Distance: 0.3},
		},
		"exclude": {
			{DocID: "doc-global", Chunk: 0, Distance: 0.1},
		},
	}

	ranked, err := session.MatchWorkspaceDocs(ctx, "query", 10, 0, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	require.Equal(t, "doc-scoped", ranked[0].DocID)
	require.InDelta(t, 0.3, ranked[0].Distance, 1e-9)
	require.Equal(t, "doc-scoped", ranked[1].DocID)
	require.Equal(t, "doc-global", ranked[2].DocID)
}

func TestSessionMatchWorkspaceDocs_NoScopedPassWithoutDocs(t *testing.T) {
	env := newTestEnv()
	session := newTestSession(t, env)

	env.embeddings.docMatches = map[string][]model.DocChunk{
		"within": {{DocID: "doc-x", Distance: 0.1}},
		"all":    {{DocID: "doc-global", Distance: 0.2}},
	}

	ranked, err := session.MatchWorkspaceDocs(context.Background(), "query", 10, 0, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	require.Equal(t, "doc-global", ranked[0].DocID)
}
