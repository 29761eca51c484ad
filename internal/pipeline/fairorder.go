package pipeline

import (
	"sort"
	"time"

	"github.com/finpulse/finpulse/internal/persistence"
)

const (
	// defaultCoverageTarget is the number of sentiment rows a symbol should
	// gain per 24h before its deficit stops contributing priority.
	defaultCoverageTarget = 20

	stalenessWeight = 0.6
	deficitWeight   = 0.4

	// neverAnalyzedHours stands in for staleness when a symbol has no
	// sentiment rows at all, ranking it ahead of anything analyzed within
	// the last week.
	neverAnalyzedHours = 168.0
)

// orderSymbols ranks symbols so stale or underserved ones come first, then
// rotates the ranking by offset so ties and persistent orderings do not
// starve the tail when later symbols time out.
func orderSymbols(symbols []string, activity []persistence.SymbolActivity, target, offset int, now time.Time) []string {
	if len(symbols) == 0 {
		return nil
	}
	if target <= 0 {
		target = defaultCoverageTarget
	}

	byName := make(map[string]persistence.SymbolActivity, len(activity))
	for _, a := range activity {
		byName[a.Symbol] = a
	}

	type ranked struct {
		symbol string
		score  float64
	}
	scores := make([]ranked, 0, len(symbols))
	for _, sym := range symbols {
		staleness := neverAnalyzedHours
		deficit := float64(target)
		if a, ok := byName[sym]; ok {
			if a.LastSentimentAt != nil {
				staleness = now.Sub(a.LastSentimentAt.UTC()).Hours()
				if staleness < 0 {
					staleness = 0
				}
			}
			if d := float64(target - a.CountLast24h); d > 0 {
				deficit = d
			} else {
				deficit = 0
			}
		}
		scores = append(scores, ranked{
			symbol: sym,
			score:  stalenessWeight*staleness + deficitWeight*deficit,
		})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].symbol < scores[j].symbol
	})

	out := make([]string, len(scores))
	shift := offset % len(scores)
	if shift < 0 {
		shift += len(scores)
	}
	for i, r := range scores {
		out[(i+len(scores)-shift)%len(scores)] = r.symbol
	}
	return out
}
