package knowledge

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
)

// Ranker orders candidate nodes by relevance to a query.
type Ranker interface {
	Rank(ctx context.Context, query string, nodes []Node, limit int) ([]Scored, error)
}

const (
	bm25K1      = 1.2
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// LexicalRanker scores nodes with Okapi BM25 over title, tags and content.
// Titles and tags are counted twice.
type LexicalRanker struct{}

func (LexicalRanker) Rank(_ context.Context, query string, nodes []Node, limit int) ([]Scored, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || len(nodes) == 0 {
		return nil, nil
	}

	termFreqs := make([]map[string]int, len(nodes))
	lengths := make([]int, len(nodes))
	docFreq := make(map[string]int)
	var total int
	for i, n := range nodes {
		tokens := tokenize(n.Title + " " + strings.Join(n.Tags, " "))
		tokens = append(tokens, tokens...)
		tokens = append(tokens, tokenize(n.Content)...)
		lengths[i] = len(tokens)
		total += len(tokens)

		tf := make(map[string]int)
		for _, tok := range tokens {
			if tf[tok] == 0 {
				docFreq[tok]++
			}
			tf[tok]++
		}
		termFreqs[i] = tf
	}
	avgLen := float64(total) / float64(len(nodes))
	count := float64(len(nodes))

	var hits []Scored
	for i, n := range nodes {
		var score float64
		for _, tok := range queryTokens {
			df, ok := docFreq[tok]
			if !ok {
				continue
			}
			idf := math.Log(1 + (count-float64(df)+0.5)/(float64(df)+0.5))
			if idf <= 0 {
				idf = bm25Epsilon
			}
			tf := float64(termFreqs[i][tok])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B
			if avgLen > 0 {
				norm += bm25B * float64(lengths[i]) / avgLen
			}
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
		if score > 0 {
			hits = append(hits, Scored{Node: n, Score: score})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
