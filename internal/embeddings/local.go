package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalDriver is a deterministic hashing embedder for development and tests.
// It maps token hashes into a fixed-width vector and L2-normalizes, so equal
// texts always embed identically and overlapping texts score closer than
// disjoint ones. No network, no model.
type LocalDriver struct {
	dimensions int
}

// NewLocalDriver creates a local hashing embedder. dims <= 0 defaults to 256.
func NewLocalDriver(dims int) *LocalDriver {
	if dims <= 0 {
		dims = 256
	}
	return &LocalDriver{dimensions: dims}
}

func (d *LocalDriver) Kind() string    { return "local" }
func (d *LocalDriver) Dimensions() int { return d.dimensions }

func (d *LocalDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = d.embedOne(text)
	}
	return vectors, nil
}

func (d *LocalDriver) embedOne(text string) []float64 {
	v := make([]float64, d.dimensions)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(d.dimensions))
		// Sign bit from the hash keeps the vector from collapsing toward
		// all-positive mass.
		if sum&(1<<63) != 0 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

func (d *LocalDriver) HealthCheck(context.Context) error { return nil }
