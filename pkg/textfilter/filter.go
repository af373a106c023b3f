package textfilter

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Mild substitutes for words a merchant would take offence at.
var replacements = map[string]string{
	"fuck":     "fudge",
	"shit":     "shoot",
	"damn":     "dang",
	"hell":     "heck",
	"ass":      "butt",
	"bitch":    "jerk",
	"bastard":  "jerk",
	"crap":     "crud",
	"asshole":  "jerk",
	"dumbass":  "dummy",
	"jackass":  "jerk",
	"bullshit": "baloney",
	"goddamn":  "gosh-dang",
	"idiot":    "friend",
	"stupid":   "silly",
	"moron":    "friend",
}

// Insults are rude without being profanity.
var insults = []string{
	"idiot", "stupid", "moron", "shut up", "hurry up", "cheapskate", "thief", "liar",
}

// Spoken fillers dropped from canonical transcripts.
var fillers = map[string]bool{
	"um": true, "uh": true, "er": true, "erm": true, "hmm": true, "uhh": true, "umm": true,
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	nonWordRune = regexp.MustCompile(`[^\p{L}\p{N}'\s]+`)
)

// Filter masks profanity in transcripts and detects rude phrasing.
type Filter struct {
	words   []string
	regexes map[string]*regexp.Regexp
	insults []*regexp.Regexp
	lower   cases.Caser
}

// New builds a Filter with its patterns compiled once.
func New() *Filter {
	f := &Filter{
		regexes: make(map[string]*regexp.Regexp, len(replacements)),
		lower:   cases.Lower(language.English),
	}
	for word := range replacements {
		f.words = append(f.words, word)
		// Optional plural so "bastards" is caught but "classical" is not.
		f.regexes[word] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `(s|es)?\b`)
	}
	// Longest first so "asshole" wins over "ass".
	sortByLengthDesc(f.words)
	for _, phrase := range insults {
		f.insults = append(f.insults, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(phrase)+`\b`))
	}
	return f
}

// Mask replaces profanity with mild alternatives, keeping the original casing.
func (f *Filter) Mask(text string) string {
	result := text
	for _, word := range f.words {
		re := f.regexes[word]
		replacement := replacements[word]
		result = re.ReplaceAllStringFunc(result, func(match string) string {
			suffix := match[len(word):]
			return preserveCase(match[:len(word)], replacement) + suffix
		})
	}
	return result
}

// ContainsProfanity reports whether any masked word appears in text.
func (f *Filter) ContainsProfanity(text string) bool {
	for _, word := range f.words {
		if f.regexes[word].MatchString(text) {
			return true
		}
	}
	return false
}

// ContainsInsult reports whether text insults the listener.
func (f *Filter) ContainsInsult(text string) bool {
	for _, re := range f.insults {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsRude is true for profanity or insults.
func (f *Filter) IsRude(text string) bool {
	return f.ContainsProfanity(text) || f.ContainsInsult(text)
}

// Fold lower-cases text and strips punctuation other than apostrophes,
// for keyword matching.
func (f *Filter) Fold(text string) string {
	folded := f.lower.String(text)
	folded = strings.ReplaceAll(folded, "’", "'")
	folded = nonWordRune.ReplaceAllString(folded, " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(folded, " "))
}

// Canonicalize trims whitespace, drops spoken fillers, masks profanity and
// capitalises the first letter.
func (f *Filter) Canonicalize(text string) string {
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, w := range fields {
		bare := strings.Trim(f.lower.String(w), ",.!?;:")
		if fillers[bare] {
			continue
		}
		kept = append(kept, w)
	}
	out := f.Mask(strings.Join(kept, " "))
	if out == "" {
		return out
	}
	runes := []rune(out)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// preserveCase applies the case pattern of the original word to the replacement
func preserveCase(original, replacement string) string {
	if len(original) == 0 {
		return replacement
	}

	if strings.ToUpper(original) == original {
		return strings.ToUpper(replacement)
	}

	if strings.ToLower(original) == original {
		return strings.ToLower(replacement)
	}

	titleCaser := cases.Title(language.English)
	if titleCaser.String(strings.ToLower(original)) == original {
		return titleCaser.String(replacement)
	}

	// Mixed case: copy the pattern rune by rune.
	result := make([]rune, 0, len(replacement))
	originalRunes := []rune(original)
	for i, r := range replacement {
		if i < len(originalRunes) && unicode.IsUpper(originalRunes[i]) {
			result = append(result, unicode.ToUpper(r))
		} else {
			result = append(result, unicode.ToLower(r))
		}
	}
	return string(result)
}

func sortByLengthDesc(words []string) {
	for i := 1; i < len(words); i++ {
		for j := i; j > 0 && (len(words[j]) > len(words[j-1]) ||
			(len(words[j]) == len(words[j-1]) && words[j] < words[j-1])); j-- {
			words[j], words[j-1] = words[j-1], words[j]
		}
	}
}
