package ingest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"docquery_back/fault"
)

const pdfContentType = "application/pdf"

// PageSpan records the rune range a page occupies in the extracted text so
// chunk offsets can be mapped back to page numbers.
type PageSpan struct {
	Page  int
	Start int
	End   int
}

// ExtractPDFText pulls plain text from raw PDF bytes, page by page. Parse
// failures are permanent: a corrupt document never becomes readable by
// retrying.
func ExtractPDFText(data []byte) (text string, spans []PageSpan, err error) {
	// The pdf library panics on some malformed cross-reference tables
	// instead of returning an error.
	defer func() {
		if recovered := recover(); recovered != nil {
			text, spans = "", nil
			err = fault.Permanentf("ingest: parse pdf: %v", recovered)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, fault.Permanentf("ingest: parse pdf: %w", err)
	}

	var builder strings.Builder
	runeOffset := 0
	spans = make([]PageSpan, 0, reader.NumPage())
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			return "", nil, fault.Permanentf("ingest: read pdf page %d: %w", pageNum, pageErr)
		}
		pageText = NormalizeText(pageText)
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
			runeOffset += 2
		}
		length := len([]rune(pageText))
		spans = append(spans, PageSpan{Page: pageNum, Start: runeOffset, End: runeOffset + length})
		builder.WriteString(pageText)
		runeOffset += length
	}

	extracted := builder.String()
	if strings.TrimSpace(extracted) == "" {
		return "", nil, fault.Permanentf("ingest: pdf yielded no readable text")
	}
	return extracted, spans, nil
}

// PageForOffset resolves the page containing the given rune offset.
// Offsets in the separator gap between pages resolve to the earlier page.
func PageForOffset(spans []PageSpan, offset int) int {
	page := 0
	for _, span := range spans {
		if offset >= span.Start {
			page = span.Page
			continue
		}
		break
	}
	return page
}

// CheckContentType rejects anything the pipeline cannot chunk.
func CheckContentType(contentType string) error {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(normalized, ";"); idx >= 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	if normalized != pdfContentType {
		return fault.Permanent(fmt.Errorf("ingest: unsupported content type %q", contentType))
	}
	return nil
}
