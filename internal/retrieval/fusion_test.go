package retrieval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragbase/backend/internal/retrieval/understanding"
)

func plainDescriptor(intent understanding.Intent) *understanding.Descriptor {
	return &understanding.Descriptor{
		Intent:   intent,
		Entities: []understanding.Entity{},
	}
}

func TestFuseGraphBeatsVectorAtEqualRelevance(t *testing.T) {
	desc := plainDescriptor(understanding.IntentExploratory)

	graph := []ResultItem{{Kind: KindGraphFact, Content: "alpha", RelevanceScore: 0.8}}
	vector := []ResultItem{{Kind: KindSemanticChunk, Content: "bravo", RelevanceScore: 0.8}}

	fused := fuse(desc, graph, vector)

	require.Len(t, fused, 2)
	assert.True(t, fused[0].IsGraphOrigin())
	assert.Greater(t, fused[0].FinalScore, fused[1].FinalScore)
	assert.InDelta(t, 0.8*1.2, fused[0].FinalScore, 1e-9)
	assert.InDelta(t, 0.8*1.0, fused[1].FinalScore, 1e-9)
}

func TestFuseStableOrderOnTies(t *testing.T) {
	desc := plainDescriptor(understanding.IntentExploratory)

	vector := []ResultItem{
		{Kind: KindSemanticChunk, Content: "first", RelevanceScore: 0.5},
		{Kind: KindSemanticChunk, Content: "second", RelevanceScore: 0.5},
	}

	fused := fuse(desc, nil, vector)

	require.Len(t, fused, 2)
	assert.Equal(t, "first", fused[0].Content)
	assert.Equal(t, "second", fused[1].Content)
}

func TestIntentBoost(t *testing.T) {
	cases := []struct {
		name    string
		intent  understanding.Intent
		content string
		want    float64
	}{
		{"factual with copular cue", understanding.IntentFactual, "solar power is a renewable source", 1.15},
		{"factual without cue", understanding.IntentFactual, "solar power overview", 1.0},
		{"temporal with year", understanding.IntentTemporal, "founded in 1998 as a startup", 1.2},
		{"temporal without year", understanding.IntentTemporal, "founded long ago", 1.0},
		{"comparison with cue", understanding.IntentComparison, "higher throughput than the baseline", 1.2},
		{"comparison without cue", understanding.IntentComparison, "throughput overview", 1.0},
		{"exploratory never boosts", understanding.IntentExploratory, "solar power is renewable since 1998", 1.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, intentBoost(tc.intent, tc.content), 1e-9)
		})
	}
}

func TestEntityBoost(t *testing.T) {
	entities := []understanding.Entity{
		{Text: "Acme"}, {Text: "Beta"}, {Text: "Gamma"},
	}

	t.Run("adds per mentioned entity", func(t *testing.T) {
		boost := entityBoost(entities, "acme and beta announced a merger")
		assert.InDelta(t, 1.2, boost, 1e-9)
	})

	t.Run("caps at 1.5", func(t *testing.T) {
		many := make([]understanding.Entity, 8)
		for i := range many {
			many[i] = understanding.Entity{Text: "acme"}
		}
		boost := entityBoost(many, "acme did things")
		assert.InDelta(t, 1.5, boost, 1e-9)
	})

	t.Run("no mentions no boost", func(t *testing.T) {
		boost := entityBoost(entities, "unrelated content")
		assert.InDelta(t, 1.0, boost, 1e-9)
	})
}

func TestDiversify(t *testing.T) {
	t.Run("keeps top item first", func(t *testing.T) {
		items := []ResultItem{
			{Content: "best result about solar", FinalScore: 0.9},
			{Content: "second result about wind", FinalScore: 0.8},
		}
		final := diversify(items, 10)
		require.NotEmpty(t, final)
		assert.Equal(t, "best result about solar", final[0].Content)
	})

	t.Run("caps at limit", func(t *testing.T) {
		items := make([]ResultItem, 25)
		for i := range items {
			items[i] = ResultItem{
				Content:    fmt.Sprintf("document %d covers a distinct topic %d", i, i),
				FinalScore: 1.0 - float64(i)*0.01,
			}
		}
		final := diversify(items, 10)
		assert.Len(t, final, 10)
	})

	t.Run("returns everything below limit", func(t *testing.T) {
		items := []ResultItem{
			{Content: "one", FinalScore: 0.9},
			{Content: "two", FinalScore: 0.8},
			{Content: "three", FinalScore: 0.7},
		}
		final := diversify(items, 10)
		assert.Len(t, final, 3)
	})

	t.Run("empty input", func(t *testing.T) {
		final := diversify(nil, 10)
		assert.Empty(t, final)
	})

	t.Run("prefers novel content over near duplicates", func(t *testing.T) {
		items := []ResultItem{
			{Content: "acme corp quarterly revenue report twenty twenty three", FinalScore: 0.9},
			{Content: "acme corp quarterly revenue report twenty twenty three detailed", FinalScore: 0.89},
			{Content: "beta industries supply chain overhaul program", FinalScore: 0.7},
		}
		final := diversify(items, 2)
		require.Len(t, final, 2)
		assert.Equal(t, "beta industries supply chain overhaul program", final[1].Content)
	})
}

func TestJaccard(t *testing.T) {
	a := wordSet("solar power generation")
	b := wordSet("solar power storage")

	assert.InDelta(t, 0.5, jaccard(a, b), 1e-9)
	assert.InDelta(t, 1.0, jaccard(a, a), 1e-9)
	assert.InDelta(t, 0.0, jaccard(a, wordSet("")), 1e-9)
}
