package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/finpulse/finpulse/internal/models"
)

// RelevanceResult is the content-validator verdict for one text.
type RelevanceResult struct {
	Relevant   bool
	Confidence float64
	Reason     string
}

var contextTerms = []string{
	"stock", "share", "market", "earnings", "revenue", "profit", "price",
	"invest", "trading", "analyst", "quarter", "dividend", "ipo", "fund",
	"buy", "sell", "bull", "bear", "portfolio", "calls", "puts",
}

// validateRelevance is a cheap pre-check in front of the ML call. Collectors
// already filter aggressively, so this mostly catches texts that lost their
// financial context during preprocessing.
func validateRelevance(text, symbol string) RelevanceResult {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 5 {
		return RelevanceResult{Relevant: false, Confidence: 0.9, Reason: "too short"}
	}
	lowered := strings.ToLower(trimmed)
	if symbol != "" && strings.Contains(lowered, strings.ToLower(symbol)) {
		return RelevanceResult{Relevant: true, Confidence: 0.9, Reason: "symbol mention"}
	}
	for _, term := range contextTerms {
		if strings.Contains(lowered, term) {
			return RelevanceResult{Relevant: true, Confidence: 0.8, Reason: "financial context"}
		}
	}
	return RelevanceResult{Relevant: false, Confidence: 0.8, Reason: "no financial context"}
}

const maxVerifyTextChars = 400

type llmVerdict struct {
	ID         int     `json:"id"`
	Sentiment  string  `json:"sentiment"`
	Confidence float64 `json:"confidence"`
}

// buildVerificationPrompt renders the texts needing escalation as one
// JSON-indexed prompt.
func buildVerificationPrompt(texts []string) string {
	var b strings.Builder
	b.WriteString("You are a financial sentiment analyst. For each numbered text below, ")
	b.WriteString("classify the sentiment toward the company or stock being discussed.\n\n")
	b.WriteString("Respond with ONLY a JSON array, one object per text:\n")
	b.WriteString(`[{"id": <number>, "sentiment": "positive"|"negative"|"neutral", "confidence": <0.0-1.0>}]`)
	b.WriteString("\n\nTexts:\n")
	for i, t := range texts {
		if len(t) > maxVerifyTextChars {
			t = t[:maxVerifyTextChars]
		}
		fmt.Fprintf(&b, "%d: %s\n", i, t)
	}
	return b.String()
}

// parseVerdicts tolerates code fences and leading prose around the JSON
// array.
func parseVerdicts(raw string) ([]llmVerdict, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			s = s[i : j+1]
		}
	}
	var verdicts []llmVerdict
	if err := json.Unmarshal([]byte(s), &verdicts); err != nil {
		return nil, fmt.Errorf("verdict parse: %w", err)
	}
	return verdicts, nil
}

func parseLabel(s string) (models.SentimentLabel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return models.LabelPositive, true
	case "negative":
		return models.LabelNegative, true
	case "neutral":
		return models.LabelNeutral, true
	}
	return "", false
}

// verifyBatch escalates the selected indices to the LLM in one prompt and
// merges verdicts back into out. Unrecoverable LLM failures leave the ML
// results standing.
func (e *Engine) verifyBatch(ctx context.Context, inputs []TextInput, ml []mlResult, idx []int, out []models.SentimentScore) {
	texts := make([]string, len(idx))
	for i, j := range idx {
		texts[i] = inputs[j].Text
	}

	e.count(func(s *Stats) { s.LLMCalls++ })
	raw, err := e.llm.Complete(ctx, buildVerificationPrompt(texts), 30*len(texts)+120, 0)
	if err != nil {
		e.count(func(s *Stats) { s.VerificationErrors++ })
		log.Warn().Int("texts", len(texts)).Err(err).Msg("llm verification failed, keeping ml results")
		return
	}
	verdicts, err := parseVerdicts(raw)
	if err != nil {
		e.count(func(s *Stats) { s.VerificationErrors++ })
		log.Warn().Err(err).Msg("llm verdict parse failed, keeping ml results")
		return
	}

	for _, v := range verdicts {
		if v.ID < 0 || v.ID >= len(idx) {
			continue
		}
		llmLabel, ok := parseLabel(v.Sentiment)
		if !ok {
			continue
		}
		j := idx[v.ID]
		out[j] = mergeVerdict(ml[j], llmLabel, clamp(v.Confidence, 0, 1))
		if llmLabel != ml[j].label {
			e.count(func(s *Stats) { s.Overrides++ })
		}
	}
}

// mergeVerdict applies the final-result rules: the LLM label wins; agreement
// takes the max of the two confidences, disagreement takes the LLM's
// verbatim; the score is rebuilt from label and confidence on override.
func mergeVerdict(res mlResult, llmLabel models.SentimentLabel, llmConf float64) models.SentimentScore {
	meta := &models.VerificationMeta{
		LLMConsulted:  true,
		LLMLabel:      llmLabel,
		LLMConfidence: llmConf,
	}

	if llmLabel == res.label {
		score := scoreFrom(res)
		score.Confidence = math.Max(res.confidence, llmConf)
		score.Method = "ai_verified"
		score.Verification = meta
		return score
	}

	var score float64
	switch llmLabel {
	case models.LabelPositive:
		score = llmConf
	case models.LabelNegative:
		score = -llmConf
	default:
		score = 0
	}
	return models.SentimentScore{
		Label:        llmLabel,
		Score:        score,
		Confidence:   llmConf,
		Model:        res.model,
		Method:       "ai_override",
		Verification: meta,
	}
}
