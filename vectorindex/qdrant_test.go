package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionNameSanitizes(t *testing.T) {
	assert.Equal(t, "tenant_acme-corp_chunks", CollectionName("acme-corp"))
	assert.Equal(t, "tenant_a-b-c_chunks", CollectionName("a/b c"))
	assert.Equal(t, "tenant_default_chunks", CollectionName("  "))
}

func TestPointIDDeterministic(t *testing.T) {
	first := PointID("doc-1", 3, 7)
	second := PointID("doc-1", 3, 7)
	assert.Equal(t, first, second)

	// Any input change produces a different record ID.
	assert.NotEqual(t, first, PointID("doc-1", 3, 8))
	assert.NotEqual(t, first, PointID("doc-1", 4, 7))
	assert.NotEqual(t, first, PointID("doc-2", 3, 7))
}
