package builtin

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalization regexes compiled once at package init.
var (
	reCitation   = regexp.MustCompile(`\[\d+\]`)
	reNumber     = regexp.MustCompile(`\d+([.,]\d+)*%?`)
	reURL        = regexp.MustCompile(`https?://\S+`)
	reWhitespace = regexp.MustCompile(`\s+`)
	reSentence   = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "does": true, "do": true, "for": true, "from": true, "has": true, "have": true,
	"how": true, "in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true, "was": true, "were": true,
	"what": true, "when": true, "which": true, "who": true, "why": true, "will": true, "with": true,
}

// Keywords returns the distinct non-stopword terms of s in first-seen order.
func Keywords(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(s) {
		if len(tok) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}

// overlap is the share of keywords present in text.
func overlap(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	terms := make(map[string]bool)
	for _, tok := range tokenize(text) {
		terms[tok] = true
	}
	hits := 0
	for _, k := range keywords {
		if terms[k] {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// Sentences splits text into trimmed, non-empty sentences.
func Sentences(text string) []string {
	var out []string
	for _, s := range reSentence.FindAllString(text, -1) {
		s = strings.TrimSpace(reWhitespace.ReplaceAllString(s, " "))
		if len(s) >= 12 {
			out = append(out, s)
		}
	}
	return out
}

// Fingerprint computes a stable SHA-256 fingerprint for a sentence, so that
// restatements differing only in numbers, links or citation marks collide.
func Fingerprint(sentence string) string {
	hash := sha256.Sum256([]byte(NormalizeSentence(sentence)))
	return fmt.Sprintf("%x", hash)
}

// NormalizeSentence applies all normalization rules to a sentence.
func NormalizeSentence(s string) string {
	s = reURL.ReplaceAllString(s, "URL")
	s = reCitation.ReplaceAllString(s, "")
	s = reNumber.ReplaceAllString(s, "N")
	s = strings.ToLower(s)
	s = strings.TrimRight(strings.TrimSpace(s), ".!?")
	s = reWhitespace.ReplaceAllString(s, " ")
	terms := Keywords(s)
	sort.Strings(terms)
	return truncateString(strings.Join(terms, " "), 500)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
