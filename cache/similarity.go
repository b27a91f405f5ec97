package cache

import (
	"math"
	"strings"
	"sync"
)

// CosineSimilarity calculates the cosine similarity between two vectors.
// Vectors of different lengths are treated as zero-padded to the longer one,
// which keeps embeddings produced before a vocabulary grew comparable with
// newer, wider vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dotProduct, normA, normB float64
	for i := 0; i < n; i++ {
		dotProduct += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Vectorizer is a term-frequency embedding model fitted on a corpus of
// historical query texts. Fitting and refitting are exclusive relative to
// lookups; transforms take a read lock and are safe to run concurrently.
type Vectorizer struct {
	mu     sync.RWMutex
	vocab  map[string]int
	fitted bool
}

// NewVectorizer returns an unfitted vectorizer. Transform returns nil until
// Fit or Add has established a vocabulary.
func NewVectorizer() *Vectorizer {
	return &Vectorizer{vocab: make(map[string]int)}
}

// Fit builds the vocabulary from the given corpus, replacing any prior state.
func (v *Vectorizer) Fit(texts []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.vocab = make(map[string]int)
	for _, text := range texts {
		v.addLocked(text)
	}
	v.fitted = len(v.vocab) > 0
}

// Add extends the vocabulary incrementally with a new historical text.
// Existing embeddings stay valid: new terms occupy new trailing dimensions.
func (v *Vectorizer) Add(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.addLocked(text)
	v.fitted = len(v.vocab) > 0
}

func (v *Vectorizer) addLocked(text string) {
	for _, term := range tokenize(text) {
		if _, ok := v.vocab[term]; !ok {
			v.vocab[term] = len(v.vocab)
		}
	}
}

// Fitted reports whether the vectorizer has a usable vocabulary.
func (v *Vectorizer) Fitted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fitted
}

// Transform vectorizes a text against the fitted vocabulary using raw term
// frequency. Out-of-vocabulary terms are ignored. Returns nil when unfitted.
func (v *Vectorizer) Transform(text string) []float32 {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.fitted {
		return nil
	}

	vec := make([]float32, len(v.vocab))
	for _, term := range tokenize(text) {
		if idx, ok := v.vocab[term]; ok {
			vec[idx]++
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.Fields(NormalizeQuery(text))
}
