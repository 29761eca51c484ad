package textproc

import (
	"html"
	"regexp"
	"strings"
	"time"
)

// ProcessedText is the preprocessor output, bound 1:1 to the raw text that
// produced it.
type ProcessedText struct {
	Cleaned  string         `json:"cleaned"`
	Removed  map[string]int `json:"removed"`
	Success  bool           `json:"success"`
	Duration time.Duration  `json:"duration"`
}

// Config controls optional preprocessing behavior.
type Config struct {
	StripHashtags bool `yaml:"strip_hashtags"`
	Lowercase     bool `yaml:"lowercase"`
	MinLength     int  `yaml:"min_length"`
	MaxLength     int  `yaml:"max_length"`
}

// DefaultConfig matches the pipeline defaults.
func DefaultConfig() Config {
	return Config{MinLength: 10, MaxLength: 5000}
}

var (
	htmlTagRE    = regexp.MustCompile(`<[^>]+>`)
	fullURLRE    = regexp.MustCompile(`https?://[^\s]+|www\.[^\s]+`)
	shortURLRE   = regexp.MustCompile(`\b(?:bit\.ly|t\.co|goo\.gl|tinyurl\.com|ow\.ly|buff\.ly)/[^\s]*`)
	mentionRE    = regexp.MustCompile(`(?:^|\s)(?:@\w+|u/\w+|r/\w+)`)
	hashtagRE    = regexp.MustCompile(`#\w+`)
	quoteLineRE  = regexp.MustCompile(`(?m)^\s*(?:>|&gt;).*$`)
	editMarkRE   = regexp.MustCompile(`(?im)^\s*edit\s*[0-9]*\s*:.*$`)
	whitespaceRE = regexp.MustCompile(`\s+`)
	// Everything not a word char or in the preserved punctuation set.
	punctStripRE = regexp.MustCompile(`[^\w\s.,!?;:()\-'"$%#@/]`)
)

// contractions is the fixed expansion lexicon applied after markup stripping.
var contractions = map[string]string{
	"ain't": "am not", "aren't": "are not", "can't": "cannot",
	"could've": "could have", "couldn't": "could not", "didn't": "did not",
	"doesn't": "does not", "don't": "do not", "hadn't": "had not",
	"hasn't": "has not", "haven't": "have not", "he'd": "he would",
	"he'll": "he will", "he's": "he is", "how's": "how is",
	"i'd": "i would", "i'll": "i will", "i'm": "i am", "i've": "i have",
	"isn't": "is not", "it'd": "it would", "it'll": "it will",
	"it's": "it is", "let's": "let us", "mightn't": "might not",
	"might've": "might have", "mustn't": "must not", "must've": "must have",
	"shan't": "shall not", "she'd": "she would", "she'll": "she will",
	"she's": "she is", "should've": "should have", "shouldn't": "should not",
	"that's": "that is", "there's": "there is", "they'd": "they would",
	"they'll": "they will", "they're": "they are", "they've": "they have",
	"wasn't": "was not", "we'd": "we would", "we'll": "we will",
	"we're": "we are", "we've": "we have", "weren't": "were not",
	"what's": "what is", "where's": "where is", "who's": "who is",
	"won't": "will not", "would've": "would have", "wouldn't": "would not",
	"you'd": "you would", "you'll": "you will", "you're": "you are",
	"you've": "you have",
}

var contractionRE = buildContractionRE()

func buildContractionRE() *regexp.Regexp {
	keys := make([]string, 0, len(contractions))
	for k := range contractions {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\b`)
}

// Preprocess cleans raw text for sentiment analysis. Deterministic and pure.
// It always returns a ProcessedText; a panic inside the regex pipeline is
// converted into Success=false with empty cleaned text.
func Preprocess(raw string, cfg Config) (out ProcessedText) {
	start := time.Now()
	removed := map[string]int{}
	out = ProcessedText{Removed: removed}
	defer func() {
		if r := recover(); r != nil {
			out = ProcessedText{Removed: removed, Success: false}
		}
		out.Duration = time.Since(start)
	}()

	if cfg.MinLength <= 0 {
		cfg.MinLength = 10
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 5000
	}

	text := html.UnescapeString(raw)
	text = countAndStrip(text, htmlTagRE, " ", removed, "html_tags")
	text = countAndStrip(text, fullURLRE, " ", removed, "urls")
	text = countAndStrip(text, shortURLRE, " ", removed, "urls")
	text = countAndStrip(text, mentionRE, " ", removed, "mentions")
	if cfg.StripHashtags {
		text = countAndStrip(text, hashtagRE, " ", removed, "hashtags")
	}
	text = countAndStrip(text, quoteLineRE, " ", removed, "quote_lines")
	text = countAndStrip(text, editMarkRE, " ", removed, "edit_markers")

	text = contractionRE.ReplaceAllStringFunc(text, func(m string) string {
		if exp, ok := contractions[strings.ToLower(m)]; ok {
			return exp
		}
		return m
	})

	text = collapseRepeatChars(text)
	text = punctStripRE.ReplaceAllString(text, " ")
	text = whitespaceRE.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if cfg.Lowercase {
		text = strings.ToLower(text)
	}

	if len(text) < cfg.MinLength {
		out.Cleaned = ""
		out.Success = false
		return out
	}
	if len(text) > cfg.MaxLength {
		text = truncateIntelligently(text, cfg.MaxLength)
	}

	out.Cleaned = text
	out.Success = true
	return out
}

// collapseRepeatChars reduces any run of three or more identical word
// characters to two, matching `(\w)\1{2,}` -> "$1$1". Go's RE2 engine has no
// backreferences, so the collapse is done with a scan instead of a regexp.
func collapseRepeatChars(s string) string {
	isWord := func(r rune) bool {
		return r == '_' || ('0' <= r && r <= '9') ||
			('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
	}
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		j := i + 1
		for j < len(runes) && runes[j] == r {
			j++
		}
		if j-i >= 3 && isWord(r) {
			b.WriteRune(r)
			b.WriteRune(r)
		} else {
			for k := i; k < j; k++ {
				b.WriteRune(r)
			}
		}
		i = j
	}
	return b.String()
}

func countAndStrip(text string, re *regexp.Regexp, repl string, removed map[string]int, key string) string {
	n := len(re.FindAllStringIndex(text, -1))
	if n > 0 {
		removed[key] += n
	}
	return re.ReplaceAllString(text, repl)
}

// truncateIntelligently keeps the first 60% and last 40% of the budget joined
// by " ... ", snapping both cuts to word boundaries. Openings carry the
// subject and closings carry the conclusion; the middle is the safest loss.
func truncateIntelligently(text string, maxLen int) string {
	const joiner = " ... "
	budget := maxLen - len(joiner)
	if budget <= 0 || len(text) <= maxLen {
		return text
	}
	headLen := budget * 60 / 100
	tailLen := budget - headLen

	head := text[:headLen]
	if idx := strings.LastIndexByte(head, ' '); idx > 0 {
		head = head[:idx]
	}
	tail := text[len(text)-tailLen:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return head + joiner + tail
}
