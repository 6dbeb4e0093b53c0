package understanding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectIntent(t *testing.T) {
	analyzer := NewAnalyzer()

	cases := []struct {
		name  string
		query string
		want  Intent
	}{
		{"definition lookup", "What is quantum computing?", IntentFactual},
		{"comparison phrase", "Compare solar and wind energy", IntentComparison},
		{"versus token", "Postgres vs MySQL for analytics", IntentComparison},
		{"relationship wins over factual", "What is the relationship between Acme Corp and Beta Industries?", IntentRelationship},
		{"temporal phrase", "History of electric vehicles", IntentTemporal},
		{"procedural phrase", "How to deploy a container", IntentProcedural},
		{"analytical phrase", "Why did revenue drop", IntentAnalytical},
		{"leading how fallback", "How does photosynthesis work", IntentProcedural},
		{"leading why fallback", "Why oceans matter", IntentAnalytical},
		{"no signal", "renewable energy adoption rates", IntentExploratory},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := analyzer.Analyze(tc.query)
			assert.Equal(t, tc.want, desc.Intent)
		})
	}
}

func TestAnalyzeCompanyTemporalQuery(t *testing.T) {
	analyzer := NewAnalyzer()
	desc := analyzer.Analyze("What is the relationship between Acme Corp and Beta Industries in 2023?")

	assert.Equal(t, IntentRelationship, desc.Intent)

	require.Len(t, desc.Entities, 3)
	assert.Equal(t, "Acme Corp", desc.Entities[0].Text)
	assert.Equal(t, EntityCompany, desc.Entities[0].Type)
	assert.Equal(t, "Beta Industries", desc.Entities[1].Text)
	assert.Equal(t, EntityCompany, desc.Entities[1].Type)
	assert.Equal(t, "2023", desc.Entities[2].Text)
	assert.Equal(t, EntityDate, desc.Entities[2].Type)

	assert.Contains(t, desc.GraphQuery, "acme")
	assert.Contains(t, desc.GraphQuery, "corp")
	assert.Contains(t, desc.GraphQuery, "beta")
	assert.Contains(t, desc.GraphQuery, "industries")

	assert.Contains(t, desc.VectorQuery, "What is the relationship between Acme Corp and Beta Industries in 2023?")
	assert.Contains(t, desc.VectorQuery, "related to")

	assert.Contains(t, desc.TemporalRefs, "2023")
	assert.Equal(t, []string{"2023"}, desc.Filters["temporal_refs"])
}

func TestAnalyzeEntityOrdering(t *testing.T) {
	analyzer := NewAnalyzer()
	desc := analyzer.Analyze("Did Tesla expand in Berlin during 2021?")

	require.NotEmpty(t, desc.Entities)
	for i := 1; i < len(desc.Entities); i++ {
		assert.GreaterOrEqual(t, desc.Entities[i].Start, desc.Entities[i-1].Start,
			"entities should appear in reading order")
	}
}

func TestAnalyzeEntityDedup(t *testing.T) {
	analyzer := NewAnalyzer()
	desc := analyzer.Analyze("Tesla and Tesla growth in Europe")

	teslaCount := 0
	for _, entity := range desc.Entities {
		if entity.Text == "Tesla" {
			teslaCount++
		}
	}
	assert.Equal(t, 1, teslaCount)
}

func TestAnalyzeKeywords(t *testing.T) {
	analyzer := NewAnalyzer()
	desc := analyzer.Analyze("What is the sustainability strategy of Siemens?")

	assert.Contains(t, desc.Keywords, "sustainability")
	assert.Contains(t, desc.Keywords, "siemens")
	assert.NotContains(t, desc.Keywords, "the")
	assert.NotContains(t, desc.Keywords, "what")
}

func TestAnalyzeConfidence(t *testing.T) {
	analyzer := NewAnalyzer()

	t.Run("scores stay in range", func(t *testing.T) {
		desc := analyzer.Analyze("Compare Google and Microsoft cloud revenue in 2023 and 2024")
		assert.GreaterOrEqual(t, desc.Confidence.EntityExtraction, 0.0)
		assert.LessOrEqual(t, desc.Confidence.EntityExtraction, 1.0)
		assert.GreaterOrEqual(t, desc.Confidence.Overall, 0.0)
		assert.LessOrEqual(t, desc.Confidence.Overall, 1.0)
	})

	t.Run("exploratory intent scores lower", func(t *testing.T) {
		exploratory := analyzer.Analyze("renewable energy adoption rates")
		factual := analyzer.Analyze("What is renewable energy?")
		assert.Equal(t, 0.5, exploratory.Confidence.IntentDetection)
		assert.Equal(t, 0.8, factual.Confidence.IntentDetection)
	})
}

func TestAnalyzeIdempotent(t *testing.T) {
	analyzer := NewAnalyzer()
	query := "How did Tesla grow its market share in Europe during 2022?"

	first := analyzer.Analyze(query)
	second := analyzer.Analyze(query)

	assert.Equal(t, first, second)
}

func TestAnalyzeDegenerateInput(t *testing.T) {
	analyzer := NewAnalyzer()

	t.Run("empty query", func(t *testing.T) {
		desc := analyzer.Analyze("")
		require.NotNil(t, desc)
		assert.Equal(t, IntentExploratory, desc.Intent)
		assert.Empty(t, desc.Entities)
	})

	t.Run("punctuation only", func(t *testing.T) {
		desc := analyzer.Analyze("???!!!")
		require.NotNil(t, desc)
		assert.Equal(t, IntentExploratory, desc.Intent)
	})
}
