package collect

import (
	"regexp"
	"strings"
)

// financialTerms are the signals that a text is about markets or a company's
// business rather than incidental mention of its name.
var financialTerms = []string{
	"stock", "stocks", "share", "shares", "market", "markets", "earnings",
	"revenue", "profit", "loss", "quarterly", "guidance", "valuation",
	"ipo", "merger", "acquisition", "dividend", "buyback", "analyst",
	"upgrade", "downgrade", "sec", "filing", "invest", "investor",
	"investors", "trading", "trader", "price target", "forecast",
	"nasdaq", "nyse", "s&p", "dow", "futures", "short", "rally",
	"bull", "bear", "portfolio", "fund", "hedge", "etf", "ceo", "cfo",
	"layoff", "layoffs", "bankruptcy", "debt", "bond", "yield",
}

// exclusionPatterns flag content families that routinely mention company
// names without being financially relevant.
var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:game|match|season|playoffs?|championship|league|tournament|coach|touchdown|scores? the)\b`),
	regexp.MustCompile(`(?i)\b(?:movie|film|trailer|episode|album|concert|celebrity|grammy|oscar)\b`),
	regexp.MustCompile(`(?i)\b(?:sponsored|advertisement|promo code|giveaway|discount code|coupon)\b`),
}

// Relevance applies source-specific financial-relevance checks to collected
// text.
type Relevance struct {
	terms []string
}

// NewRelevance builds the default relevance checker.
func NewRelevance() *Relevance {
	return &Relevance{terms: financialTerms}
}

// hasFinancialTerm reports whether lowered contains at least one financial
// term. Multi-word terms are matched as substrings, single words on
// boundaries.
func (r *Relevance) hasFinancialTerm(lowered string) bool {
	for _, term := range r.terms {
		if strings.Contains(term, " ") || strings.Contains(term, "&") {
			if strings.Contains(lowered, term) {
				return true
			}
			continue
		}
		idx := 0
		for {
			j := strings.Index(lowered[idx:], term)
			if j < 0 {
				break
			}
			start := idx + j
			end := start + len(term)
			beforeOK := start == 0 || !isWordByte(lowered[start-1])
			afterOK := end == len(lowered) || !isWordByte(lowered[end])
			if beforeOK && afterOK {
				return true
			}
			idx = end
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// IsRelevant decides whether text should enter the pipeline for symbol.
// Exclusion patterns are applied before financial terms; a text that trips an
// exclusion but still carries a financial term is kept.
func (r *Relevance) IsRelevant(text, symbol, company string) bool {
	lowered := strings.ToLower(text)

	mentionsEntity := false
	if symbol != "" && containsWord(lowered, strings.ToLower(symbol)) {
		mentionsEntity = true
	}
	if !mentionsEntity && company != "" && strings.Contains(lowered, strings.ToLower(company)) {
		mentionsEntity = true
	}

	hasFinancial := r.hasFinancialTerm(lowered)
	for _, pat := range exclusionPatterns {
		if pat.MatchString(text) {
			return hasFinancial // excluded unless financially anchored
		}
	}
	return mentionsEntity || hasFinancial
}

func containsWord(lowered, word string) bool {
	idx := 0
	for {
		j := strings.Index(lowered[idx:], word)
		if j < 0 {
			return false
		}
		start := idx + j
		end := start + len(word)
		if (start == 0 || !isWordByte(lowered[start-1])) && (end == len(lowered) || !isWordByte(lowered[end])) {
			return true
		}
		idx = end
	}
}
