package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docquery_back/fault"
)

func TestCheckContentType(t *testing.T) {
	assert.NoError(t, CheckContentType("application/pdf"))
	assert.NoError(t, CheckContentType("Application/PDF; charset=binary"))

	err := CheckContentType("text/plain")
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))

	assert.Error(t, CheckContentType(""))
}

func TestExtractPDFTextRejectsGarbage(t *testing.T) {
	_, _, err := ExtractPDFText([]byte("this is not a pdf"))
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
}

func TestPageForOffset(t *testing.T) {
	spans := []PageSpan{
		{Page: 1, Start: 0, End: 100},
		{Page: 2, Start: 102, End: 250},
		{Page: 4, Start: 252, End: 400},
	}

	assert.Equal(t, 1, PageForOffset(spans, 0))
	assert.Equal(t, 1, PageForOffset(spans, 99))
	// Offsets in the separator gap resolve to the earlier page.
	assert.Equal(t, 1, PageForOffset(spans, 101))
	assert.Equal(t, 2, PageForOffset(spans, 102))
	assert.Equal(t, 4, PageForOffset(spans, 399))
	assert.Equal(t, 4, PageForOffset(spans, 1000))
	assert.Equal(t, 0, PageForOffset(nil, 10))
}
