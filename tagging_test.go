package isoalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocTaggedRequiresMemoryTagging(t *testing.T) {
	a := newTestAllocator(t)
	ptr, err := a.AllocTagged(32, "widgets")
	require.NoError(t, err)
	_, ok := a.TagRegion(ptr)
	assert.False(t, ok, "tagging is disabled by default, so TagRegion must report no tag")
}

func TestAllocTaggedAttributesRegion(t *testing.T) {
	a := newTestAllocator(t, WithMemoryTagging(true))

	ptr, err := a.AllocTagged(32, "widgets")
	require.NoError(t, err)

	tag, ok := a.TagRegion(ptr)
	require.True(t, ok)
	assert.Equal(t, "widgets", tag)
}

func TestAllocTaggedKeepsDistinctTagsInDistinctZones(t *testing.T) {
	a := newTestAllocator(t, WithMemoryTagging(true))

	widget, err := a.AllocTagged(32, "widgets")
	require.NoError(t, err)
	gadget, err := a.AllocTagged(32, "gadgets")
	require.NoError(t, err)

	wTag, _ := a.TagRegion(widget)
	gTag, _ := a.TagRegion(gadget)
	assert.Equal(t, "widgets", wTag)
	assert.Equal(t, "gadgets", gTag)
}
