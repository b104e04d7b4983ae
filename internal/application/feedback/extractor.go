package feedback

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/protectsus/protectsus/internal/domain/ai"
	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// Extractor converts free-text denial comments into structured features.
// The primary path asks the Analyst for strict JSON; any capability or parse
// failure falls back to the deterministic keyword scan, so Extract never
// returns an error.
type Extractor struct {
	AI ai.Client
}

func NewExtractor(client ai.Client) *Extractor {
	return &Extractor{AI: client}
}

const extractSystemPrompt = `You are a feedback analyzer for security vulnerability fixes.
Extract structured information from user feedback on proposed security fixes: specific issues with the fix, requested changes, false-positive claims, breaking-change concerns, overall sentiment, and how specific the feedback is. Be thorough but concise.`

func extractUserPrompt(feedbackText string) string {
	return `Analyze this user feedback on a security fix PR:

"` + feedbackText + `"

Return ONLY valid JSON (no markdown, no code blocks) of this shape:
{
    "identified_issues": ["issue1"],
    "requested_changes": ["change1"],
    "false_positive_flags": ["reason1"],
    "breaking_change_concerns": false,
    "sentiment": "negative|neutral|positive",
    "specificity_score": 0.0
}

Use empty arrays or defaults for fields with no relevant content.`
}

// Extract runs the primary LLM path with the keyword fallback as safety net.
func (e *Extractor) Extract(ctx context.Context, feedbackText string) analysis.FeedbackFeatures {
	resp, err := e.AI.CompleteJSON(ctx, extractSystemPrompt, extractUserPrompt(feedbackText))
	if err != nil {
		log.Printf("feedback extraction via analyst failed, using keyword fallback: %v", err)
		return KeywordExtract(feedbackText)
	}

	var features analysis.FeedbackFeatures
	if err := json.Unmarshal([]byte(StripCodeFences(resp)), &features); err != nil {
		log.Printf("feedback extraction returned unparseable JSON, using keyword fallback: %v", err)
		return KeywordExtract(feedbackText)
	}
	features.Sentiment = normalizeSentiment(features.Sentiment)
	features.SpecificityScore = clamp01(features.SpecificityScore)
	return features
}

var falsePositiveKeywords = []string{
	"false positive", "not a vulnerability", "not vulnerable", "not an issue", "incorrect",
}

var breakingChangeKeywords = []string{"breaking", "breaks", "break", "production", "critical"}

var negativeKeywords = []string{"wrong", "bad", "incorrect", "issue", "problem", "error", "bug"}

var positiveKeywords = []string{"good", "great", "correct", "thanks", "appreciate"}

// KeywordExtract is the deterministic fallback: fixed phrase lists, majority
// vote sentiment, and word-count specificity. Reproducible without network.
func KeywordExtract(feedbackText string) analysis.FeedbackFeatures {
	lower := strings.ToLower(feedbackText)

	var fpFlags []string
	for _, kw := range falsePositiveKeywords {
		if strings.Contains(lower, kw) {
			fpFlags = append(fpFlags, kw)
		}
	}

	breaking := false
	for _, kw := range breakingChangeKeywords {
		if strings.Contains(lower, kw) {
			breaking = true
			break
		}
	}

	negatives, positives := 0, 0
	for _, kw := range negativeKeywords {
		if strings.Contains(lower, kw) {
			negatives++
		}
	}
	for _, kw := range positiveKeywords {
		if strings.Contains(lower, kw) {
			positives++
		}
	}
	sentiment := "neutral"
	if negatives > positives {
		sentiment = "negative"
	} else if positives > negatives {
		sentiment = "positive"
	}

	issue := feedbackText
	if len(issue) > 100 {
		issue = issue[:100]
	}

	return analysis.FeedbackFeatures{
		IdentifiedIssues:       []string{issue},
		RequestedChanges:       []string{},
		FalsePositiveFlags:     fpFlags,
		BreakingChangeConcerns: breaking,
		Sentiment:              sentiment,
		SpecificityScore:       clamp01(float64(len(strings.Fields(feedbackText))) / 50.0),
	}
}

// StripCodeFences removes surrounding markdown code-fence markers so fenced
// JSON still parses.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	var kept []string
	for _, line := range strings.Split(trimmed, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "negative":
		return "negative"
	case "positive":
		return "positive"
	default:
		return "neutral"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
