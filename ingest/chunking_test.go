package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTextChunkCount(t *testing.T) {
	cfg := ChunkConfig{Size: 100, Overlap: 20}
	text := strings.Repeat("a", 1000)

	segments := SplitText(text, cfg)

	// ceil(1000 / 80) = 13
	require.Len(t, segments, 13)
	assert.Equal(t, 0, segments[0].Start)
	assert.Equal(t, 100, segments[0].End)
	assert.Equal(t, 80, segments[1].Start)
}

func TestSplitTextDeterministic(t *testing.T) {
	cfg := ChunkConfig{Size: 50, Overlap: 10}
	text := "The quick brown fox jumps over the lazy dog. " + strings.Repeat("lorem ipsum dolor sit amet ", 20)

	first := SplitText(text, cfg)
	second := SplitText(text, cfg)

	require.Equal(t, first, second)
}

func TestSplitTextOffsetsRecoverText(t *testing.T) {
	cfg := ChunkConfig{Size: 30, Overlap: 5}
	text := "héllo wörld " + strings.Repeat("päragraph text ", 10)
	runes := []rune(NormalizeText(text))

	for _, segment := range SplitText(text, cfg) {
		assert.Equal(t, segment.Text, string(runes[segment.Start:segment.End]))
		assert.LessOrEqual(t, segment.End-segment.Start, cfg.Size)
	}
}

func TestSplitTextOverlap(t *testing.T) {
	cfg := ChunkConfig{Size: 40, Overlap: 15}
	text := strings.Repeat("x", 200)

	segments := SplitText(text, cfg)
	require.Greater(t, len(segments), 1)
	for i := 1; i < len(segments); i++ {
		assert.Equal(t, cfg.Stride(), segments[i].Start-segments[i-1].Start)
	}
}

func TestSplitTextNormalizesNewlines(t *testing.T) {
	cfg := ChunkConfig{Size: 10, Overlap: 0}

	crlf := SplitText("line one\r\nline two\r\nmore", cfg)
	lf := SplitText("line one\nline two\nmore", cfg)

	require.Equal(t, lf, crlf)
}

func TestSplitTextRejectsBlankAndInvalid(t *testing.T) {
	assert.Nil(t, SplitText("   \n\t ", ChunkConfig{Size: 10, Overlap: 2}))
	assert.Nil(t, SplitText("content", ChunkConfig{Size: 10, Overlap: 10}))
	assert.Nil(t, SplitText("content", ChunkConfig{Size: 0, Overlap: 0}))
}

func TestChunkConfigValidate(t *testing.T) {
	assert.NoError(t, ChunkConfig{Size: 1000, Overlap: 200}.Validate())
	assert.Error(t, ChunkConfig{Size: 0, Overlap: 0}.Validate())
	assert.Error(t, ChunkConfig{Size: 100, Overlap: -1}.Validate())
	assert.Error(t, ChunkConfig{Size: 100, Overlap: 100}.Validate())
}
