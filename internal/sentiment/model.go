package sentiment

import (
	"fmt"
	"math"
	"strings"

	"github.com/finpulse/finpulse/internal/models"
)

// Probs is a (positive, negative, neutral) probability distribution.
type Probs struct {
	Positive float64
	Negative float64
	Neutral  float64
}

// Label returns the argmax label and its probability.
func (p Probs) Label() (models.SentimentLabel, float64) {
	switch {
	case p.Positive >= p.Negative && p.Positive >= p.Neutral:
		return models.LabelPositive, p.Positive
	case p.Negative >= p.Positive && p.Negative >= p.Neutral:
		return models.LabelNegative, p.Negative
	default:
		return models.LabelNeutral, p.Neutral
	}
}

// Blend mixes two distributions with the given weight on p (1-w on q).
func (p Probs) Blend(q Probs, w float64) Probs {
	return Probs{
		Positive: w*p.Positive + (1-w)*q.Positive,
		Negative: w*p.Negative + (1-w)*q.Negative,
		Neutral:  w*p.Neutral + (1-w)*q.Neutral,
	}
}

// Classifier produces a sentiment distribution for one text.
type Classifier interface {
	Name() string
	Classify(text string) (Probs, error)
}

// lexiconModel is a weighted term-count classifier with temperature-scaled
// softmax over (positive, negative, neutral) logits. It stands in for the
// transformer checkpoints the service loads in production deployments; the
// engine only depends on the Classifier contract.
type lexiconModel struct {
	name        string
	positive    map[string]float64
	negative    map[string]float64
	temperature float64
}

var negators = map[string]bool{
	"not": true, "no": true, "never": true, "without": true,
	"hardly": true, "barely": true, "isn't": true, "wasn't": true,
	"don't": true, "doesn't": true, "didn't": true, "won't": true,
	"can't": true, "cannot": true,
}

func (m *lexiconModel) Name() string { return m.name }

func (m *lexiconModel) Classify(text string) (Probs, error) {
	if strings.TrimSpace(text) == "" {
		return Probs{}, fmt.Errorf("empty text")
	}

	words := strings.Fields(strings.ToLower(text))
	var pos, neg float64
	for i, w := range words {
		w = strings.Trim(w, ".,!?;:()\"'")
		pw, isPos := m.positive[w]
		nw, isNeg := m.negative[w]
		if !isPos && !isNeg {
			continue
		}
		negated := i > 0 && negators[strings.Trim(words[i-1], ".,!?;:()\"'")]
		switch {
		case isPos && negated:
			neg += pw
		case isPos:
			pos += pw
		case isNeg && negated:
			pos += nw
		case isNeg:
			neg += nw
		}
	}

	// Neutral logit decays as polar evidence accumulates.
	neu := 1.2 / (1 + pos + neg)
	return softmax3(pos, neg, neu, m.temperature), nil
}

func softmax3(pos, neg, neu, temperature float64) Probs {
	if temperature <= 0 {
		temperature = 1
	}
	ep := math.Exp(pos / temperature)
	en := math.Exp(neg / temperature)
	eu := math.Exp(neu / temperature)
	sum := ep + en + eu
	return Probs{Positive: ep / sum, Negative: en / sum, Neutral: eu / sum}
}

// defaultTemperature was calibrated once by NLL minimization on a held-out
// validation set; it is a stored parameter, not a runtime knob.
const defaultTemperature = 1.5

func newFinancialModel() Classifier {
	return &lexiconModel{
		name:        "finbert-lexicon-v1",
		temperature: defaultTemperature,
		positive: map[string]float64{
			"beat": 1.2, "beats": 1.2, "surge": 1.4, "surges": 1.4, "surged": 1.4,
			"rally": 1.2, "rallies": 1.2, "gain": 1.0, "gains": 1.0, "gained": 1.0,
			"record": 0.8, "strong": 0.9, "growth": 1.0, "upgrade": 1.3,
			"upgraded": 1.3, "outperform": 1.2, "profit": 0.9, "profitable": 1.0,
			"bullish": 1.4, "soar": 1.4, "soars": 1.4, "soared": 1.4,
			"exceed": 1.1, "exceeds": 1.1, "exceeded": 1.1, "buy": 0.7,
			"dividend": 0.5, "buyback": 0.7, "expand": 0.7, "expansion": 0.7,
			"breakthrough": 1.1, "optimistic": 1.0, "momentum": 0.6,
		},
		negative: map[string]float64{
			"miss": 1.2, "misses": 1.2, "missed": 1.2, "plunge": 1.4,
			"plunges": 1.4, "plunged": 1.4, "fall": 0.9, "falls": 0.9,
			"fell": 0.9, "drop": 0.9, "drops": 0.9, "dropped": 0.9,
			"slide": 0.9, "slides": 0.9, "slump": 1.1, "slumps": 1.1,
			"downgrade": 1.3, "downgraded": 1.3, "loss": 1.0, "losses": 1.0,
			"weak": 0.9, "bearish": 1.4, "lawsuit": 1.0, "probe": 0.9,
			"investigation": 0.9, "recall": 1.0, "layoff": 1.1, "layoffs": 1.1,
			"bankruptcy": 1.6, "fraud": 1.5, "decline": 0.9, "declines": 0.9,
			"declined": 0.9, "cut": 0.7, "cuts": 0.7, "warning": 1.0, "sell": 0.7,
			"crash": 1.5, "tumble": 1.2, "tumbles": 1.2, "tumbled": 1.2,
		},
	}
}

func newFinancialEnsembleModel() Classifier {
	// Second ensemble head with different weights; disagreement with the
	// primary is a calibration signal, not an error.
	return &lexiconModel{
		name:        "finroberta-lexicon-v1",
		temperature: defaultTemperature,
		positive: map[string]float64{
			"beat": 1.0, "beats": 1.0, "surge": 1.2, "surges": 1.2,
			"rally": 1.0, "gain": 0.9, "gains": 0.9, "strong": 1.1,
			"growth": 1.2, "upgrade": 1.1, "profit": 1.1, "bullish": 1.2,
			"soar": 1.2, "soars": 1.2, "buy": 0.9, "outperform": 1.0,
			"exceeded": 0.9, "record": 1.0, "optimistic": 0.8,
		},
		negative: map[string]float64{
			"miss": 1.0, "missed": 1.0, "plunge": 1.2, "plunges": 1.2,
			"fall": 1.0, "falls": 1.0, "drop": 1.0, "drops": 1.0,
			"slump": 1.0, "downgrade": 1.1, "loss": 1.2, "losses": 1.2,
			"weak": 1.1, "bearish": 1.2, "lawsuit": 0.9, "layoffs": 1.0,
			"bankruptcy": 1.4, "fraud": 1.3, "decline": 1.0, "warning": 0.9,
			"sell": 0.9, "crash": 1.3,
		},
	}
}

func newCommunityModel() Classifier {
	return &lexiconModel{
		name:        "community-lexicon-v1",
		temperature: defaultTemperature,
		positive: map[string]float64{
			"moon": 1.2, "mooning": 1.2, "rocket": 1.0, "calls": 0.7,
			"bullish": 1.3, "buy": 0.8, "buying": 0.8, "undervalued": 1.1,
			"love": 0.8, "great": 0.8, "amazing": 1.0, "solid": 0.8,
			"win": 0.9, "winning": 0.9, "gains": 1.0, "green": 0.7,
			"hold": 0.4, "holding": 0.4, "diamond": 0.6, "yolo": 0.5,
			"impressed": 0.9, "excited": 0.8,
		},
		negative: map[string]float64{
			"puts": 0.7, "bearish": 1.3, "sell": 0.8, "selling": 0.8,
			"overvalued": 1.1, "dump": 1.1, "dumping": 1.1, "bagholder": 1.2,
			"bagholders": 1.2, "crash": 1.3, "red": 0.7, "drill": 0.8,
			"scam": 1.4, "fraud": 1.4, "terrible": 1.0, "awful": 1.0,
			"hate": 0.9, "worst": 1.0, "avoid": 0.9, "garbage": 1.1,
			"broke": 0.8, "rug": 1.0, "tank": 1.0, "tanking": 1.1,
			"worried": 0.8, "scared": 0.8,
		},
	}
}
