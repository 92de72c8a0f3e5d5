package graph

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// vectorIndex is an in-process k-NN index over node embeddings. Stores keep
// it in sync with the embedding column so searches never touch the database.
type vectorIndex struct {
	dims    int
	entries map[string][]float32
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{entries: make(map[string][]float32)}
}

// set adds or replaces the vector for a node id
func (idx *vectorIndex) set(id string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding for node %s", id)
	}
	if idx.dims == 0 {
		idx.dims = len(vec)
	} else if len(vec) != idx.dims {
		return fmt.Errorf("embedding dimensionality mismatch for node %s: got %d, index has %d", id, len(vec), idx.dims)
	}
	idx.entries[id] = vec
	return nil
}

func (idx *vectorIndex) remove(id string) {
	delete(idx.entries, id)
}

func (idx *vectorIndex) empty() bool {
	return len(idx.entries) == 0
}

// indexMatch is one raw index hit; the store resolves the id to a node
type indexMatch struct {
	ID       string
	Distance float64
}

// search returns up to k ids ordered by increasing distance. Ties are broken
// by lexicographic id so results are reproducible.
func (idx *vectorIndex) search(query []float32, k int, metric DistanceMetric) ([]indexMatch, error) {
	if idx.empty() {
		return nil, ErrIndexNotBuilt
	}
	if len(query) != idx.dims {
		return nil, fmt.Errorf("query dimensionality mismatch: got %d, index has %d", len(query), idx.dims)
	}
	if k <= 0 {
		return nil, nil
	}

	type scored struct {
		id       string
		distance float64
	}
	results := make([]scored, 0, len(idx.entries))
	for id, vec := range idx.entries {
		var d float64
		switch metric {
		case MetricEuclidean:
			d = euclideanDistance(query, vec)
		case MetricCosine:
			d = cosineDistance(query, vec)
		default:
			return nil, fmt.Errorf("unsupported distance metric: %s", metric)
		}
		results = append(results, scored{id: id, distance: d})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].distance != results[j].distance {
			return results[i].distance < results[j].distance
		}
		return results[i].id < results[j].id
	})

	if len(results) > k {
		results = results[:k]
	}
	matches := make([]indexMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, indexMatch{ID: r.id, Distance: r.distance})
	}
	return matches, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func euclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// encodeVector serializes an embedding as little-endian float32 for BLOB storage
func encodeVector(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("encode embedding: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeVector deserializes a little-endian float32 BLOB
func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob: %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}
