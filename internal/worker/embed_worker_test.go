package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/contextd/internal/ai"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
)

func TestChunkFile_RoutesByType(t *testing.T) {
	w := &EmbedWorker{chunker: ai.NewChunker()}
	ctx := context.Background()

	chunks, err := w.chunkFile(ctx, "text/markdown", "notes.md", "# Title\n\nbody")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0].Content, "Heading: Title")

	// markdown detected by extension even with a generic mime type
	chunks, err = w.chunkFile(ctx, "application/octet-stream", "README.MD", "# Title\n\nbody")
	require.NoError(t, err)
	require.Contains(t, chunks[0].Content, "Heading: Title")

	chunks, err = w.chunkFile(ctx, "text/plain", "notes.txt", "para one\n\npara two")
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	chunks, err = w.chunkFile(ctx, "application/json", "data.json", `{"a":1}`)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	_, err = w.chunkFile(ctx, "image/png", "pic.png", "binary")
	require.ErrorIs(t, err, appErr.ErrFileNotSupported)
}

func TestIsMarkdown(t *testing.T) {
	require.True(t, isMarkdown("text/markdown", "anything.bin"))
	require.True(t, isMarkdown("text/plain", "doc.markdown"))
	require.False(t, isMarkdown("text/plain", "doc.txt"))
}
