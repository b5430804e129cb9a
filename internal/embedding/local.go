package embedding

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// LOCAL DETERMINISTIC EMBEDDING ENGINE
// =============================================================================

// embedBatchConcurrency bounds parallel workers in EmbedBatch.
const embedBatchConcurrency = 8

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "must": {}, "shall": {}, "can": {},
	"to": {}, "of": {}, "in": {}, "for": {}, "on": {}, "with": {}, "at": {},
	"by": {}, "from": {}, "as": {}, "or": {}, "and": {}, "but": {}, "if": {},
	"then": {}, "so": {}, "than": {}, "that": {}, "this": {}, "these": {},
	"those": {}, "it": {}, "its": {},
}

// LocalEngine generates embeddings without any external dependency. Untrained
// it uses hash-based projections; after Train it switches to TF-IDF vectors.
// Output is byte-identical for identical input and training corpus, which the
// replay path relies on.
type LocalEngine struct {
	dims      int
	cacheSize int

	mu         sync.RWMutex
	df         map[string]int
	totalDocs  int
	vocab      map[string]int
	vocabLock  bool
	cache      map[string][]float32
	cacheOrder []string
}

// NewLocalEngine creates a local engine. Zero arguments fall back to the
// defaults (128 dimensions, 10000 cached embeddings).
func NewLocalEngine(vectorSize, cacheSize int) *LocalEngine {
	if vectorSize <= 0 {
		vectorSize = 128
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	return &LocalEngine{
		dims:      vectorSize,
		cacheSize: cacheSize,
		df:        make(map[string]int),
		vocab:     make(map[string]int),
		cache:     make(map[string][]float32),
	}
}

// tokenize lowercases, splits on non-alphanumeric runs, and drops short
// tokens and stopwords.
func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if len(t) <= 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Embed generates an embedding. Never fails: empty or all-stopword input
// yields the zero vector.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	e.mu.RLock()
	if vec, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return vec, nil
	}
	trained := e.vocabLock && e.totalDocs > 0
	e.mu.RUnlock()

	var vec []float32
	if trained {
		vec = e.tfidfEmbed(text)
	} else {
		vec = e.hashEmbed(text)
	}

	e.mu.Lock()
	if _, ok := e.cache[key]; !ok {
		if len(e.cache) >= e.cacheSize {
			// Evict the older half of the cache
			half := len(e.cacheOrder) / 2
			for _, old := range e.cacheOrder[:half] {
				delete(e.cache, old)
			}
			e.cacheOrder = append([]string(nil), e.cacheOrder[half:]...)
		}
		e.cache[key] = vec
		e.cacheOrder = append(e.cacheOrder, key)
	}
	e.mu.Unlock()

	return vec, nil
}

// EmbedBatch embeds texts with bounded parallelism.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedBatchConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dimensions returns the vector size.
func (e *LocalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return fmt.Sprintf("local:%dd", e.dims)
}

// Train builds vocabulary and document-frequency statistics from a corpus.
// Frequencies reset on retrain; the vocabulary only grows, so index
// assignments stay stable across retrains.
func (e *LocalEngine) Train(documents []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.df = make(map[string]int)
	e.totalDocs = len(documents)

	for _, doc := range documents {
		seen := map[string]struct{}{}
		for _, token := range tokenize(doc) {
			seen[token] = struct{}{}
		}
		for token := range seen {
			e.df[token]++
			if _, ok := e.vocab[token]; !ok {
				e.vocab[token] = len(e.vocab)
			}
		}
	}

	e.vocabLock = true
	// Cached vectors were computed against the old statistics.
	e.cache = make(map[string][]float32)
	e.cacheOrder = nil
}

// Trained reports whether TF-IDF statistics are available.
func (e *LocalEngine) Trained() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vocabLock && e.totalDocs > 0
}

// hashEmbed projects each token's MD5 digest into the vector space. Fast
// fallback when no training corpus exists.
func (e *LocalEngine) hashEmbed(text string) []float32 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return make([]float32, e.dims)
	}

	acc := make([]float64, e.dims)
	for _, token := range tokens {
		sum := md5.Sum([]byte(token))
		digest := hex.EncodeToString(sum[:])
		n := 16
		if e.dims < n {
			n = e.dims
		}
		for i := 0; i < n; i++ {
			hexVal, _ := strconv.ParseInt(digest[i*2:(i+1)*2], 16, 32)
			projection := float64(hexVal)/127.5 - 1.0
			acc[i%e.dims] += projection
		}
	}

	return normalize(acc)
}

// tfidfEmbed projects log-normalized TF-IDF weights into the vector space
// using vocabulary indices, with FNV hashing for out-of-vocabulary terms.
func (e *LocalEngine) tfidfEmbed(text string) []float32 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return make([]float32, e.dims)
	}

	counts := map[string]int{}
	order := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := counts[t]; !ok {
			order = append(order, t)
		}
		counts[t]++
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	acc := make([]float64, e.dims)
	total := float64(len(tokens))
	for _, term := range order {
		tf := (1 + math.Log(float64(counts[term]))) / total

		var idf float64
		if df := e.df[term]; df > 0 {
			idf = math.Log(float64(e.totalDocs) / float64(df))
		}

		var idx int
		if v, ok := e.vocab[term]; ok {
			idx = v % e.dims
		} else {
			idx = oovIndex(term, e.dims)
		}
		acc[idx] += tf * idf
	}

	return normalize(acc)
}

func oovIndex(term string, dims int) int {
	h := fnv.New32a()
	h.Write([]byte(term))
	return int(h.Sum32() % uint32(dims))
}

func normalize(acc []float64) []float32 {
	var sumSq float64
	for _, v := range acc {
		sumSq += v * v
	}
	out := make([]float32, len(acc))
	if sumSq == 0 {
		return out
	}
	mag := math.Sqrt(sumSq)
	for i, v := range acc {
		out[i] = float32(v / mag)
	}
	return out
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
