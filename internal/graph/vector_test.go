package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorIndexSearchOrdering(t *testing.T) {
	idx := newVectorIndex()
	require.NoError(t, idx.set("far", []float32{0, 1}))
	require.NoError(t, idx.set("near", []float32{1, 0}))
	require.NoError(t, idx.set("mid", []float32{0.7, 0.7}))

	matches, err := idx.search([]float32{1, 0}, 3, MetricCosine)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "near", matches[0].ID)
	assert.Equal(t, "mid", matches[1].ID)
	assert.Equal(t, "far", matches[2].ID)
}

func TestVectorIndexTieBreakByID(t *testing.T) {
	idx := newVectorIndex()
	// Identical vectors: equal distance, order must fall back to id
	require.NoError(t, idx.set("zeta", []float32{1, 0}))
	require.NoError(t, idx.set("alpha", []float32{1, 0}))

	for i := 0; i < 10; i++ {
		matches, err := idx.search([]float32{1, 0}, 2, MetricCosine)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "alpha", matches[0].ID)
		assert.Equal(t, "zeta", matches[1].ID)
	}
}

func TestVectorIndexDimsMismatch(t *testing.T) {
	idx := newVectorIndex()
	require.NoError(t, idx.set("a", []float32{1, 0, 0}))

	assert.Error(t, idx.set("b", []float32{1, 0}))

	_, err := idx.search([]float32{1, 0}, 1, MetricCosine)
	assert.Error(t, err)
}

func TestVectorIndexEmpty(t *testing.T) {
	idx := newVectorIndex()
	_, err := idx.search([]float32{1}, 1, MetricCosine)
	assert.ErrorIs(t, err, ErrIndexNotBuilt)
}

func TestEuclideanMetric(t *testing.T) {
	idx := newVectorIndex()
	require.NoError(t, idx.set("a", []float32{0, 0}))
	require.NoError(t, idx.set("b", []float32{3, 4}))

	matches, err := idx.search([]float32{0, 0}, 2, MetricEuclidean)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.InDelta(t, 5.0, matches[1].Distance, 1e-9)
}

func TestVectorRoundTrip(t *testing.T) {
	original := []float32{0.25, -1.5, 3.75}

	blob, err := encodeVector(original)
	require.NoError(t, err)
	decoded, err := decodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	// nil round-trips to nil
	blob, err = encodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, blob)

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
