package understanding

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/ragbase/backend/pkg/logger"
)

// Intent is the coarse purpose category assigned to a query.
type Intent string

const (
	IntentFactual      Intent = "factual"
	IntentExploratory  Intent = "exploratory"
	IntentComparison   Intent = "comparison"
	IntentTemporal     Intent = "temporal"
	IntentRelationship Intent = "relationship"
	IntentProcedural   Intent = "procedural"
	IntentAnalytical   Intent = "analytical"
)

// Entity types recognized by the pattern tables.
const (
	EntityCompany    = "company"
	EntityTechnology = "technology"
	EntityPerson     = "person"
	EntityLocation   = "location"
	EntityDate       = "date"
	EntityConcept    = "concept"
)

// Entity is one span extracted from the original query text.
type Entity struct {
	Text  string `json:"text"`
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Confidence carries diagnostic per-aspect scores in [0,1]. The scores are
// never used to gate behavior.
type Confidence struct {
	EntityExtraction  float64 `json:"entity_extraction"`
	KeywordExtraction float64 `json:"keyword_extraction"`
	IntentDetection   float64 `json:"intent_detection"`
	Overall           float64 `json:"overall"`
}

// Descriptor is the immutable result of query understanding. It is created
// once per retrieval call and never mutated afterwards.
type Descriptor struct {
	Original     string                 `json:"original"`
	Cleaned      string                 `json:"cleaned"`
	Intent       Intent                 `json:"intent"`
	Entities     []Entity               `json:"entities"`
	Keywords     []string               `json:"keywords"`
	KeyPhrases   []string               `json:"key_phrases"`
	TemporalRefs []string               `json:"temporal_refs"`
	GraphQuery   string                 `json:"graph_query"`
	VectorQuery  string                 `json:"vector_query"`
	Filters      map[string]interface{} `json:"filters"`
	Confidence   Confidence             `json:"confidence"`
}

// Intent trigger phrases, scanned in order; the first table entry with a
// matching phrase wins. RELATIONSHIP sits before FACTUAL so that
// "what is the relationship between X and Y" resolves as a relationship
// query, not a definition lookup.
var intentTriggers = []struct {
	intent  Intent
	phrases []string
}{
	{IntentComparison, []string{"compare", "comparison", "versus", " vs ", " vs.", "difference between", "better than"}},
	{IntentRelationship, []string{"relationship between", "relation between", "connected to", "related to", "linked to", "association between"}},
	{IntentTemporal, []string{"when", "timeline", "history of", "over time", "evolution of", "trend"}},
	{IntentProcedural, []string{"how to", "how do", "how can", "steps to", "guide to", "process for"}},
	{IntentAnalytical, []string{"why", "analyze", "analysis", "impact of", "implications", "evaluate"}},
	{IntentFactual, []string{"what is", "what are", "who is", "define", "definition of", "meaning of"}},
}

// Entity pattern tables, run over the original (not cleaned) query. Table
// order doubles as the dedup priority: a span matched as a company is not
// re-reported as a person name.
var entityPatterns = []struct {
	entityType string
	patterns   []*regexp.Regexp
}{
	{EntityCompany, []*regexp.Regexp{
		regexp.MustCompile(`\b[A-Z][A-Za-z]*(?:\s+[A-Z][A-Za-z]*)?\s+(?:Corp(?:oration)?|Inc|Incorporated|Ltd|Limited|LLC|Industries|Holdings|Group|Technologies|Systems|Solutions)\b`),
		regexp.MustCompile(`\b(?:Google|Microsoft|Apple|Amazon|Tesla|Meta|Netflix|Oracle|Intel|Samsung|Toyota|Siemens)\b`),
	}},
	{EntityTechnology, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:AI|ML|NLP|API|SQL|IoT|AR|VR|GPU|CPU|SaaS|PaaS|CRM|ERP|5G|EV)\b`),
		regexp.MustCompile(`\b\w+(?:\.js|\.py|DB|SQL|Script|Cloud)\b`),
		regexp.MustCompile(`(?i)\b(?:blockchain|machine learning|artificial intelligence|neural networks?|quantum computing|cloud computing|big data)\b`),
	}},
	{EntityPerson, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof|CEO|CTO|CFO|President|Director)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`),
		regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`),
	}},
	{EntityLocation, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:North|South|East|West|New)\s+[A-Z][a-z]+\b`),
		regexp.MustCompile(`\b[A-Z][a-z]+\s+(?:City|Valley|Region|County|Province|District)\b`),
		regexp.MustCompile(`\b(?:Europe|Asia|Africa|America|London|Paris|Berlin|Tokyo|California|Texas|Singapore)\b`),
	}},
	{EntityDate, []*regexp.Regexp{
		regexp.MustCompile(`\b(?:19|20)\d{2}\b`),
		regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)(?:\s+\d{4})?\b`),
		regexp.MustCompile(`\bQ[1-4]\s*\d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
	}},
	{EntityConcept, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:sustainability|strategy|innovation|growth|revenue|profit|market share|supply chain|digital transformation|customer experience|climate change|renewable energy)\b`),
	}},
}

var keyPhrasePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:sustainable|green|environmental)\s+\w+\s+\w+\b`),
	regexp.MustCompile(`(?i)\b\w+\s+(?:plan|strategy|approach|initiative|policy)\b`),
	regexp.MustCompile(`(?i)\b(?:key|main|primary)\s+\w+\b`),
}

var temporalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:19|20)\d{2}\b`),
	regexp.MustCompile(`\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\b`),
	regexp.MustCompile(`\bQ[1-4]\s*\d{4}\b`),
	regexp.MustCompile(`(?i)\b(?:last|next|this|past)\s+(?:year|month|quarter|week|decade)\b`),
	regexp.MustCompile(`(?i)\b\d+\s+(?:days?|weeks?|months?|years?)\s+ago\b`),
}

var (
	cleanStripPattern = regexp.MustCompile(`[^\w\s\-.,!?]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	tokenStripPattern = regexp.MustCompile(`[^a-z0-9\-]`)
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {},
	"been": {}, "being": {}, "have": {}, "has": {}, "had": {}, "does": {},
	"did": {}, "will": {}, "would": {}, "could": {}, "should": {}, "can": {},
	"may": {}, "might": {}, "must": {}, "that": {}, "this": {}, "these": {},
	"those": {}, "with": {}, "from": {}, "into": {}, "about": {}, "between": {},
	"through": {}, "during": {}, "before": {}, "after": {}, "what": {},
	"which": {}, "who": {}, "whom": {}, "whose": {}, "when": {}, "where": {},
	"why": {}, "how": {}, "all": {}, "any": {}, "both": {}, "each": {},
	"more": {}, "most": {}, "other": {}, "some": {}, "such": {}, "not": {},
	"only": {}, "own": {}, "same": {}, "than": {}, "too": {}, "very": {},
	"just": {}, "there": {}, "their": {}, "they": {}, "them": {}, "then": {},
}

var meaningfulSuffixes = []string{
	"tion", "sion", "ment", "ness", "ity", "ing", "ance", "ence",
	"ship", "ism", "ology", "able", "ible",
}

// Analyzer turns raw query text into a Descriptor. It holds no mutable
// state; Analyze is a pure function of its input and the package-level
// pattern tables.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze builds the structured descriptor for a query. It never fails:
// any panic out of the pattern machinery degrades to a minimal exploratory
// descriptor rather than aborting retrieval.
func (a *Analyzer) Analyze(query string) (desc *Descriptor) {
	cleaned := cleanQuery(query)

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Query analysis degraded to fallback descriptor",
				zap.Any("cause", r),
			)
			desc = fallbackDescriptor(query, cleaned)
		}
	}()

	intent := detectIntent(cleaned)
	entities := extractEntities(query)
	keywords := extractKeywords(query, cleaned)
	keyPhrases := extractKeyPhrases(cleaned)
	temporalRefs := extractTemporalRefs(query)

	desc = &Descriptor{
		Original:     query,
		Cleaned:      cleaned,
		Intent:       intent,
		Entities:     entities,
		Keywords:     keywords,
		KeyPhrases:   keyPhrases,
		TemporalRefs: temporalRefs,
		GraphQuery:   buildGraphQuery(entities, keywords),
		VectorQuery:  buildVectorQuery(query, entities, keyPhrases),
		Filters:      buildFilters(entities, temporalRefs),
		Confidence:   scoreConfidence(entities, keywords, intent),
	}
	return desc
}

func fallbackDescriptor(original, cleaned string) *Descriptor {
	return &Descriptor{
		Original:    original,
		Cleaned:     cleaned,
		Intent:      IntentExploratory,
		Entities:    []Entity{},
		Keywords:    []string{},
		GraphQuery:  cleaned,
		VectorQuery: original,
		Filters:     map[string]interface{}{},
		Confidence:  scoreConfidence(nil, nil, IntentExploratory),
	}
}

func cleanQuery(query string) string {
	cleaned := cleanStripPattern.ReplaceAllString(query, "")
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

func detectIntent(cleaned string) Intent {
	lower := strings.ToLower(cleaned)

	for _, entry := range intentTriggers {
		for _, phrase := range entry.phrases {
			if strings.Contains(lower, phrase) {
				return entry.intent
			}
		}
	}

	// No trigger phrase fired; fall back on the leading interrogative word.
	fields := strings.Fields(lower)
	if len(fields) > 0 {
		switch fields[0] {
		case "why":
			return IntentAnalytical
		case "how":
			return IntentProcedural
		case "when":
			return IntentTemporal
		case "what":
			return IntentFactual
		}
	}

	return IntentExploratory
}

func extractEntities(original string) []Entity {
	seen := make(map[string]struct{})
	entities := make([]Entity, 0)

	for _, table := range entityPatterns {
		for _, pattern := range table.patterns {
			for _, loc := range pattern.FindAllStringIndex(original, -1) {
				text := original[loc[0]:loc[1]]
				key := strings.ToLower(text)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				entities = append(entities, Entity{
					Text:  text,
					Type:  table.entityType,
					Start: loc[0],
					End:   loc[1],
				})
			}
		}
	}

	// Reading order regardless of which pattern matched first.
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Start < entities[j].Start
	})

	return entities
}

func extractKeywords(original, cleaned string) []string {
	seen := make(map[string]struct{})
	keywords := make([]string, 0)

	for _, token := range tokenize(cleaned) {
		word := tokenStripPattern.ReplaceAllString(strings.ToLower(token), "")
		if len(word) < 3 {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		if !isMeaningful(word, original) {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
	}

	return keywords
}

// tokenize runs prose's tokenizer over the cleaned query, falling back to a
// whitespace split if the NLP pass fails.
func tokenize(cleaned string) []string {
	doc, err := prose.NewDocument(cleaned,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return strings.Fields(cleaned)
	}

	tokens := doc.Tokens()
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tok.Text)
	}
	return out
}

func isMeaningful(word, original string) bool {
	for _, suffix := range meaningfulSuffixes {
		if strings.HasSuffix(word, suffix) && len(word) > len(suffix) {
			return true
		}
	}
	return appearsCapitalized(word, original)
}

func appearsCapitalized(word, original string) bool {
	for _, field := range strings.Fields(original) {
		trimmed := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if strings.EqualFold(trimmed, word) {
			runes := []rune(trimmed)
			if len(runes) > 0 && unicode.IsUpper(runes[0]) {
				return true
			}
		}
	}
	return false
}

func extractKeyPhrases(cleaned string) []string {
	seen := make(map[string]struct{})
	phrases := make([]string, 0)

	for _, pattern := range keyPhrasePatterns {
		for _, match := range pattern.FindAllString(cleaned, -1) {
			phrase := strings.ToLower(strings.TrimSpace(match))
			if _, dup := seen[phrase]; dup {
				continue
			}
			seen[phrase] = struct{}{}
			phrases = append(phrases, phrase)
		}
	}

	return phrases
}

func extractTemporalRefs(original string) []string {
	seen := make(map[string]struct{})
	refs := make([]string, 0)

	for _, pattern := range temporalPatterns {
		for _, match := range pattern.FindAllString(original, -1) {
			ref := strings.TrimSpace(match)
			key := strings.ToLower(ref)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			refs = append(refs, ref)
		}
	}

	return refs
}

// buildGraphQuery picks the top 5 terms for fact search, preferring entity
// text over plain keywords: graph lookups reward precise names.
func buildGraphQuery(entities []Entity, keywords []string) string {
	const maxTerms = 5

	seen := make(map[string]struct{})
	terms := make([]string, 0, maxTerms)

	appendTerm := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || len(terms) >= maxTerms {
			return
		}
		if _, dup := seen[term]; dup {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	for _, entity := range entities {
		for _, part := range strings.Fields(entity.Text) {
			appendTerm(part)
		}
	}
	for _, keyword := range keywords {
		appendTerm(keyword)
	}

	return strings.Join(terms, " ")
}

// buildVectorQuery enriches the original query with entity names and key
// phrases; semantic search benefits from the redundant context.
func buildVectorQuery(original string, entities []Entity, keyPhrases []string) string {
	var b strings.Builder
	b.WriteString(original)

	if len(entities) > 0 {
		names := make([]string, 0, 3)
		for _, entity := range entities {
			if len(names) == 3 {
				break
			}
			names = append(names, entity.Text)
		}
		b.WriteString(" related to ")
		b.WriteString(strings.Join(names, ", "))
	}

	if len(keyPhrases) > 0 {
		limit := len(keyPhrases)
		if limit > 2 {
			limit = 2
		}
		b.WriteString(" ")
		b.WriteString(strings.Join(keyPhrases[:limit], " "))
	}

	return b.String()
}

func buildFilters(entities []Entity, temporalRefs []string) map[string]interface{} {
	filters := make(map[string]interface{})

	typeSet := make(map[string]struct{})
	types := make([]string, 0)
	texts := make([]string, 0, len(entities))
	for _, entity := range entities {
		if _, dup := typeSet[entity.Type]; !dup {
			typeSet[entity.Type] = struct{}{}
			types = append(types, entity.Type)
		}
		texts = append(texts, entity.Text)
	}

	if len(types) > 0 {
		filters["entity_types"] = types
	}
	if len(texts) > 0 {
		filters["entity_texts"] = texts
	}
	if len(temporalRefs) > 0 {
		filters["temporal_refs"] = temporalRefs
	}

	return filters
}

func scoreConfidence(entities []Entity, keywords []string, intent Intent) Confidence {
	entityScore := 0.3 * float64(len(entities))
	if entityScore > 1 {
		entityScore = 1
	}

	keywordScore := 0.15 * float64(len(keywords))
	if keywordScore > 1 {
		keywordScore = 1
	}

	intentScore := 0.5
	if intent != IntentExploratory {
		intentScore = 0.8
	}

	return Confidence{
		EntityExtraction:  entityScore,
		KeywordExtraction: keywordScore,
		IntentDetection:   intentScore,
		Overall:           (entityScore + keywordScore + intentScore) / 3,
	}
}
