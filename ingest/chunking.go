package ingest

import "strings"

// ChunkingSchemaVersion identifies the splitting scheme below. Changing the
// algorithm or its defaults requires bumping this so the drift detector can
// flag documents chunked under an older scheme.
const ChunkingSchemaVersion = "sliding-window-v1"

// Segment is one chunk of the normalized document text. Offsets are rune
// positions into the normalized text; Index is 0-based and deterministic
// for identical input and config.
type Segment struct {
	Index int
	Text  string
	Start int
	End   int
}

// SplitText cuts text into overlapping windows of cfg.Size runes advancing
// by cfg.Stride(). For uniform text this yields ceil(total/stride) segments.
// Consecutive segments overlap by cfg.Overlap runes; within a document the
// windows are otherwise ordered and non-overlapping.
func SplitText(text string, cfg ChunkConfig) []Segment {
	if cfg.Validate() != nil {
		return nil
	}
	normalized := normalizeNewlines(text)
	runes := []rune(normalized)
	total := len(runes)
	if strings.TrimSpace(normalized) == "" {
		return nil
	}

	stride := cfg.Stride()
	segments := make([]Segment, 0, total/stride+1)
	for start := 0; start < total; start += stride {
		end := start + cfg.Size
		if end > total {
			end = total
		}
		segments = append(segments, Segment{
			Index: len(segments),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
	}
	return segments
}

// NormalizeText collapses newline variants so offsets are stable across
// platforms. Chunk offsets refer to this normalized form.
func NormalizeText(value string) string {
	return normalizeNewlines(value)
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}
