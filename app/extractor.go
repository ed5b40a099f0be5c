package app

import (
	"regexp"
	"strconv"
	"strings"

	models "alin-engine/database/models_pkg"
)

// MaxCandidates bounds the predictions taken from one message
const MaxCandidates = 8

// Candidate is a prediction found in free text
type Candidate struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type predictionPattern struct {
	predictionType string
	re             *regexp.Regexp
}

// Checked in order; the first match decides the type.
var predictionPatterns = []predictionPattern{
	{models.PredictionTypeRecommendation, regexp.MustCompile(`(?i)\b(you should|i (?:would )?(?:recommend|suggest|advise)|your best (?:bet|option)|i'd (?:go with|recommend|suggest))\b`)},
	{models.PredictionTypeForecast, regexp.MustCompile(`(?i)\b(will|won't|is going to|are going to|is about to|by (?:tomorrow|tonight|next (?:week|month|year)|the end of))\b`)},
	{models.PredictionTypeEstimate, regexp.MustCompile(`(?i)\b(about|approximately|roughly|around|estimated?|take|takes|cost|costs)\s+(?:\$|€|£)?\d`)},
	{models.PredictionTypeExpectation, regexp.MustCompile(`(?i)\b((?:it|this|that|these|they|things|we|which|results?|everything)\s+(?:should|ought to)|expects?|expected|anticipate[sd]?)\b`)},
	{models.PredictionTypeAssessment, regexp.MustCompile(`(?i)\b(likely|unlikely|probably|chances are|(?:good|high|low|slim) chance|i (?:think|believe|suspect)|my guess)\b`)},
}

type hedgeTier struct {
	confidence float64
	re         *regexp.Regexp
}

// Strongest tier first
var hedgeTiers = []hedgeTier{
	{0.9, regexp.MustCompile(`(?i)\b(definitely|certainly|guaranteed|undoubtedly|without (?:a )?doubt|for sure|always|never)\b`)},
	{0.7, regexp.MustCompile(`(?i)\b(likely|probably|should|expect(?:s|ed)?|chances are|good chance|high chance)\b`)},
	{0.4, regexp.MustCompile(`(?i)\b(might|may|could|possibly|perhaps|maybe)\b`)},
	{0.2, regexp.MustCompile(`(?i)\b(unlikely|doubt(?:ful)?|slim chance|low chance)\b`)},
}

const defaultConfidence = 0.6

var (
	explicitPercent = regexp.MustCompile(`(?i)\b(\d{1,3}(?:\.\d+)?)\s*(?:%|percent)\s+(?:chance|likely|confident|sure|certain|probability)`)
	codeFence       = regexp.MustCompile("(?s)```.*?```")
	sentenceBreak   = regexp.MustCompile(`[.!?]+(?:\s+|$)|\n+`)
	listMarker      = regexp.MustCompile(`^(?:[-*•>]+|\d+[.)])\s+`)
	spaces          = regexp.MustCompile(`\s+`)
)

// PatternCount is the number of prediction patterns the extractor knows
func PatternCount() int {
	return len(predictionPatterns)
}

// Extract finds predictive statements in text. It is pure: the same input
// always yields the same candidates, in order of appearance, at most
// MaxCandidates, with case-insensitive duplicates dropped.
func Extract(text string) []Candidate {
	text = codeFence.ReplaceAllString(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []Candidate
	seen := make(map[string]bool)
	for _, sentence := range sentenceBreak.Split(text, -1) {
		sentence = normalizeSentence(sentence)
		if len(sentence) < 12 || len(sentence) > 500 {
			continue
		}

		predictionType := classify(sentence)
		if predictionType == "" {
			continue
		}

		key := strings.ToLower(sentence)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, Candidate{
			Text:       sentence,
			Type:       predictionType,
			Confidence: statedConfidence(sentence),
		})
		if len(out) == MaxCandidates {
			break
		}
	}
	return out
}

func normalizeSentence(s string) string {
	s = strings.TrimSpace(s)
	s = listMarker.ReplaceAllString(s, "")
	s = strings.Trim(s, "*_`\"' ")
	return spaces.ReplaceAllString(s, " ")
}

func classify(sentence string) string {
	for _, p := range predictionPatterns {
		if p.re.MatchString(sentence) {
			return p.predictionType
		}
	}
	return ""
}

func statedConfidence(sentence string) float64 {
	if m := explicitPercent.FindStringSubmatch(sentence); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil && pct <= 100 {
			return round4(pct / 100)
		}
	}
	for _, tier := range hedgeTiers {
		if tier.re.MatchString(sentence) {
			return tier.confidence
		}
	}
	return defaultConfidence
}
