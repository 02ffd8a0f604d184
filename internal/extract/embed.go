package extract

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// EmbeddingDim is the fixed length of document and query vectors.
const EmbeddingDim = 64

// Embed produces a feature-hashed bag-of-words vector: each token is
// hashed into one of EmbeddingDim buckets and the result is L2-normalized.
// Deterministic, so the same text always embeds identically.
func Embed(text string) []float32 {
	vec := make([]float32, EmbeddingDim)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(tokens) == 0 {
		return nil
	}

	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%EmbeddingDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashEmbedder adapts Embed to the Embedder interface.
type HashEmbedder struct{}

func (HashEmbedder) Embed(text string) []float32 {
	return Embed(text)
}
