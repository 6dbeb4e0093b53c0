package retrieval

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ragbase/backend/internal/retrieval/understanding"
)

const (
	// Graph evidence is structurally more precise, so it wins at equal
	// source relevance.
	graphSourceWeight  = 1.2
	vectorSourceWeight = 1.0

	mmrLambda       = 0.7
	maxFinalResults = 10
	maxEntityBoost  = 1.5
)

var yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

var definitionalCues = []string{" is ", " are ", " was ", " means ", " refers to ", " defined as "}

var comparativeCues = []string{"than", "versus", "compared", "difference", "better", "worse", "higher", "lower"}

// fuse concatenates both result lists and re-scores every item as
// relevance x source weight x intent boost x entity boost. The sort is
// stable so arrival order breaks ties.
func fuse(desc *understanding.Descriptor, graph, vector []ResultItem) []ResultItem {
	fused := make([]ResultItem, 0, len(graph)+len(vector))

	for _, item := range graph {
		item.SourceWeight = graphSourceWeight
		fused = append(fused, item)
	}
	for _, item := range vector {
		item.SourceWeight = vectorSourceWeight
		fused = append(fused, item)
	}

	for i := range fused {
		content := strings.ToLower(fused[i].Content)
		fused[i].FinalScore = fused[i].RelevanceScore *
			fused[i].SourceWeight *
			intentBoost(desc.Intent, content) *
			entityBoost(desc.Entities, content)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].FinalScore > fused[j].FinalScore
	})

	return fused
}

func intentBoost(intent understanding.Intent, content string) float64 {
	switch intent {
	case understanding.IntentFactual:
		for _, cue := range definitionalCues {
			if strings.Contains(content, cue) {
				return 1.15
			}
		}
	case understanding.IntentTemporal:
		if yearPattern.MatchString(content) {
			return 1.2
		}
	case understanding.IntentComparison:
		for _, cue := range comparativeCues {
			if strings.Contains(content, cue) {
				return 1.2
			}
		}
	}
	return 1.0
}

func entityBoost(entities []understanding.Entity, content string) float64 {
	boost := 1.0
	for _, entity := range entities {
		if strings.Contains(content, strings.ToLower(entity.Text)) {
			boost += 0.1
		}
	}
	if boost > maxEntityBoost {
		boost = maxEntityBoost
	}
	return boost
}

// diversify greedily selects a diverse top-N via Maximal Marginal
// Relevance: the top-scored item first, then whatever maximizes
// lambda*score + (1-lambda)*novelty against the already-selected set.
func diversify(items []ResultItem, limit int) []ResultItem {
	if len(items) == 0 {
		return []ResultItem{}
	}
	if limit <= 0 {
		limit = maxFinalResults
	}

	selected := make([]ResultItem, 0, limit)
	selected = append(selected, items[0])

	candidates := make([]ResultItem, len(items)-1)
	copy(candidates, items[1:])

	for len(selected) < limit && len(candidates) > 0 {
		bestIdx := 0
		bestScore := mmrScore(candidates[0], selected)

		for i := 1; i < len(candidates); i++ {
			if score := mmrScore(candidates[i], selected); score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}

		selected = append(selected, candidates[bestIdx])
		candidates = append(candidates[:bestIdx], candidates[bestIdx+1:]...)
	}

	return selected
}

func mmrScore(candidate ResultItem, selected []ResultItem) float64 {
	maxSim := 0.0
	candidateWords := wordSet(candidate.Content)
	for _, item := range selected {
		if sim := jaccard(candidateWords, wordSet(item.Content)); sim > maxSim {
			maxSim = sim
		}
	}
	return mmrLambda*candidate.FinalScore + (1-mmrLambda)*(1-maxSim)
}

func wordSet(content string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(content)) {
		word := strings.Trim(field, ".,!?;:\"'()")
		if word != "" {
			set[word] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for word := range a {
		if _, ok := b[word]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
