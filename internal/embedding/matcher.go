package embedding

import (
	"context"
	"strings"
)

// =============================================================================
// SEMANTIC MATCHER
// =============================================================================

// negationWords flag a statement's polarity for contradiction detection.
var negationWords = map[string]struct{}{
	"not": {}, "never": {}, "dont": {}, "don't": {}, "no": {}, "avoid": {},
	"stop": {}, "instead": {}, "rather": {}, "but": {}, "however": {},
}

// HasNegation reports whether any word of the text is a negation marker.
func HasNegation(text string) bool {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if _, ok := negationWords[word]; ok {
			return true
		}
	}
	return false
}

// Matcher provides high-level semantic matching on top of an engine.
type Matcher struct {
	engine EmbeddingEngine
}

// NewMatcher wraps an engine.
func NewMatcher(engine EmbeddingEngine) *Matcher {
	return &Matcher{engine: engine}
}

// IsSimilar checks whether two texts exceed the similarity threshold.
func (m *Matcher) IsSimilar(ctx context.Context, text1, text2 string, threshold float64) (bool, error) {
	emb1, err := m.engine.Embed(ctx, text1)
	if err != nil {
		return false, err
	}
	emb2, err := m.engine.Embed(ctx, text2)
	if err != nil {
		return false, err
	}
	sim, err := CosineSimilarity(emb1, emb2)
	if err != nil {
		return false, err
	}
	return sim >= threshold, nil
}

// FindContradiction reports the index of the first existing statement the
// new statement contradicts, or -1. Two signals count: high similarity with
// opposite polarity, and very high similarity with an explicit negation.
func (m *Matcher) FindContradiction(ctx context.Context, newStatement string, existing []string) (int, error) {
	newEmb, err := m.engine.Embed(ctx, newStatement)
	if err != nil {
		return -1, err
	}
	newNegated := HasNegation(newStatement)

	for i, stmt := range existing {
		emb, err := m.engine.Embed(ctx, stmt)
		if err != nil {
			return -1, err
		}
		sim, err := CosineSimilarity(newEmb, emb)
		if err != nil {
			continue
		}

		if sim > 0.5 && newNegated != HasNegation(stmt) {
			return i, nil
		}
		if sim > 0.7 && newNegated {
			return i, nil
		}
	}

	return -1, nil
}

// ClusterSimilar groups texts by single-linkage clustering at the given
// similarity threshold. Returns index groups; singletons stay alone.
func (m *Matcher) ClusterSimilar(ctx context.Context, texts []string, threshold float64) ([][]int, error) {
	n := len(texts)
	if n == 0 {
		return nil, nil
	}

	embeddings, err := m.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	clusterOf := make([]int, n)
	for i := range clusterOf {
		clusterOf[i] = i
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if clusterOf[i] == clusterOf[j] {
				continue
			}
			sim, err := CosineSimilarity(embeddings[i], embeddings[j])
			if err != nil {
				continue
			}
			if sim >= threshold {
				old, now := clusterOf[j], clusterOf[i]
				for k := range clusterOf {
					if clusterOf[k] == old {
						clusterOf[k] = now
					}
				}
			}
		}
	}

	groups := map[int][]int{}
	orderedKeys := []int{}
	for i, c := range clusterOf {
		if _, seen := groups[c]; !seen {
			orderedKeys = append(orderedKeys, c)
		}
		groups[c] = append(groups[c], i)
	}

	result := make([][]int, 0, len(orderedKeys))
	for _, k := range orderedKeys {
		result = append(result, groups[k])
	}
	return result, nil
}
