package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// GeneralDomain is the fallback when no keyword matches
const GeneralDomain = "general"

// Vocabulary maps a domain name to the keywords that resolve text into it.
type Vocabulary struct {
	Domains map[string][]string `yaml:"domains"`
}

// DefaultVocabulary is used when no vocabulary file is configured
func DefaultVocabulary() *Vocabulary {
	return &Vocabulary{Domains: map[string][]string{
		"coding":     {"code", "bug", "compile", "build", "test", "function", "deploy", "api", "refactor", "error", "library", "database", "query"},
		"scheduling": {"deadline", "schedule", "meeting", "calendar", "tomorrow", "week", "timeline", "eta", "hours", "days", "finish"},
		"finance":    {"price", "cost", "budget", "revenue", "market", "stock", "invoice", "spend", "dollars", "profit"},
		"health":     {"sleep", "exercise", "diet", "symptom", "doctor", "health", "weight", "stress"},
		"writing":    {"draft", "essay", "article", "tone", "edit", "paragraph", "headline", "copy", "post"},
		"research":   {"paper", "study", "evidence", "source", "data", "experiment", "hypothesis", "survey"},
		"personal":   {"friend", "family", "relationship", "feel", "mood", "decision", "plan", "habit"},
	}}
}

// LoadVocabulary reads a YAML vocabulary file. Keywords are lower-cased and
// domains without keywords are dropped.
func LoadVocabulary(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadVocabulary: %w", err)
	}

	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("LoadVocabulary: parse %s: %w", path, err)
	}
	if len(v.Domains) == 0 {
		return nil, fmt.Errorf("LoadVocabulary: %s defines no domains", path)
	}

	clean := make(map[string][]string, len(v.Domains))
	for domain, words := range v.Domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" || domain == GeneralDomain {
			continue
		}
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				clean[domain] = append(clean[domain], w)
			}
		}
	}
	v.Domains = clean
	return &v, nil
}

// Names returns the sorted domain names, general last
func (v *Vocabulary) Names() []string {
	names := make([]string, 0, len(v.Domains)+1)
	for d := range v.Domains {
		names = append(names, d)
	}
	sort.Strings(names)
	return append(names, GeneralDomain)
}

// Coverage returns the keyword count per domain
func (v *Vocabulary) Coverage() map[string]int {
	out := make(map[string]int, len(v.Domains))
	for d, words := range v.Domains {
		out[d] = len(words)
	}
	return out
}

// Resolve picks the domain with the most keyword hits in text. Ties go to the
// alphabetically first domain; no hits resolve to general.
func (v *Vocabulary) Resolve(text string) string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return GeneralDomain
	}

	best, bestHits := GeneralDomain, 0
	for _, domain := range v.Names() {
		hits := 0
		for _, kw := range v.Domains[domain] {
			if tokens[kw] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = domain, hits
		}
	}
	return best
}

func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		out[f] = true
	}
	return out
}
