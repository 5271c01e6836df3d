package ai

import (
	"context"
	"strings"

	"github.com/xxxsen/common/logutil"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.uber.org/zap"
)

type Chunk struct {
	Index   int64
	Content string
}

const (
	chunkTokenBudget  = 400
	chunkOverlapLimit = 80
)

type Chunker struct{}

func NewChunker() *Chunker {
	return &Chunker{}
}

// Chunk splits markdown into embedding-sized pieces along the block
// structure. Level 1-2 headings start a new chunk and prefix every chunk
// under them; trailing paragraphs carry over as overlap.
func (c *Chunker) Chunk(ctx context.Context, markdown string) []Chunk {
	logger := logutil.GetLogger(ctx)
	md := goldmark.New()
	reader := text.NewReader([]byte(markdown))
	doc := md.Parser().Parse(reader)

	var chunks []Chunk
	var currentChunk []string
	var currentTokens int
	var currentHeading string
	var index int64

	flush := func(keepOverlap bool) {
		if len(currentChunk) == 0 {
			return
		}
		content := strings.Join(currentChunk, "\n\n")
		if currentHeading != "" {
			content = "Heading: " + currentHeading + "\n" + content
		}
		chunks = append(chunks, Chunk{Index: index, Content: content})
		index++

		if keepOverlap && len(currentChunk) > 1 {
			overlapTokens := 0
			var overlapParts []string
			for i := len(currentChunk) - 1; i >= 0; i-- {
				t := estimateTokens(currentChunk[i])
				if overlapTokens+t > chunkOverlapLimit {
					break
				}
				overlapTokens += t
				overlapParts = append([]string{currentChunk[i]}, overlapParts...)
			}
			currentChunk = overlapParts
			currentTokens = overlapTokens
			return
		}
		currentChunk = nil
		currentTokens = 0
	}

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			if n.Level <= 2 {
				flush(false)
				currentHeading = string(n.Text(reader.Source()))
				continue
			}
			txt := string(n.Text(reader.Source()))
			currentChunk = append(currentChunk, txt)
			currentTokens += estimateTokens(txt)
		case *ast.FencedCodeBlock:
			lang := string(n.Language(reader.Source()))
			var code strings.Builder
			for i := 0; i < n.Lines().Len(); i++ {
				line := n.Lines().At(i)
				code.Write(line.Value(reader.Source()))
			}
			block := "```" + lang + "\n" + code.String() + "\n```"
			tokens := estimateTokens(block)
			if currentTokens > 0 && currentTokens+tokens > chunkTokenBudget {
				flush(false)
			}
			currentChunk = append(currentChunk, block)
			currentTokens += tokens
		default:
			txt := extractText(n, reader.Source())
			if txt == "" {
				continue
			}
			tokens := estimateTokens(txt)
			if currentTokens+tokens > chunkTokenBudget {
				flush(true)
			}
			currentChunk = append(currentChunk, txt)
			currentTokens += tokens
		}
	}
	flush(false)
	logger.Debug("markdown chunking done", zap.Int("size", len(markdown)), zap.Int("chunks", len(chunks)))
	return chunks
}

// ChunkPlain splits plain text on blank lines with the same token budget.
func (c *Chunker) ChunkPlain(text string) []Chunk {
	var chunks []Chunk
	var current []string
	var tokens int
	var index int64

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: index, Content: strings.Join(current, "\n\n")})
		index++
		current = nil
		tokens = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		t := estimateTokens(para)
		if tokens+t > chunkTokenBudget {
			flush()
		}
		current = append(current, para)
		tokens += t
	}
	flush()
	return chunks
}

// estimateTokens counts words for latin text and characters for CJK.
func estimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}

func extractText(n ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if node.Kind() == ast.KindText {
			sb.Write(node.(*ast.Text).Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
