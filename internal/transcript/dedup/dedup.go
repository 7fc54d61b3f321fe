// Package dedup implements the Deduplicator (spec component C2): removing
// leading words from a newly arrived fragment that merely echo the tail of
// the previously committed text.
package dedup

import (
	"strings"
	"time"
	"unicode"

	"github.com/opendictate/transvox/internal/transcript/overlap"
)

// Defaults from spec.md §6 "dedup" config block.
const (
	DefaultWindow       = 5000 * time.Millisecond
	DefaultPartialWords = 3
	DefaultFinalWords   = 5
)

// Result is the outcome of an [Apply] call.
type Result struct {
	// Text is newText with the echoed leading words removed. Empty when the
	// remainder collapsed to fewer than 3 non-space characters.
	Text string

	// Removed is the number of whole words stripped from the front of newText.
	Removed int

	// Changed reports whether Text differs from the original newText.
	Changed bool
}

// minWordLen is the minimum cleaned word length considered during matching;
// shorter words (articles, "a", "to", ...) are skipped when building the
// comparison lists, per spec.md §4.2.
const minWordLen = 3

// token pairs an original whitespace-separated word with its index in the
// original slice, so that a match found in the filtered comparison list can
// be mapped back to a removal boundary in the original text.
type token struct {
	word  string
	index int
}

// Apply implements spec.md §4.2's Deduplicator contract. now is the time the
// fragment arrived; if now is more than window past prevCommitAt, newText is
// returned unchanged (the fragment arrived too late for this dedup check to
// apply). maxWords bounds how many prefix/suffix word pairs are examined
// (DefaultPartialWords for partials, DefaultFinalWords for finals).
func Apply(newText, prevText string, prevCommitAt, now time.Time, window time.Duration, maxWords int) Result {
	if prevText == "" || newText == "" {
		return Result{Text: newText}
	}
	if now.Sub(prevCommitAt) > window {
		return Result{Text: newText}
	}

	// Safety rule (spec.md §8 testable property 7): a candidate that starts a
	// new sentence after the previous commit terminated one is never
	// dedup'd, even if its leading words happen to resemble the commit tail.
	if endsSentence(prevText) && startsCapitalized(newText) {
		return Result{Text: newText}
	}

	origWords := strings.Fields(newText)
	prevWords := strings.Fields(prevText)

	newFiltered := filterTokens(origWords)
	prevFiltered := filterTokens(prevWords)

	limit := maxWords
	if limit > len(newFiltered) {
		limit = len(newFiltered)
	}
	if limit > len(prevFiltered) {
		limit = len(prevFiltered)
	}

	matches := 0
	for i := 0; i < limit; i++ {
		newTok := newFiltered[i]
		prevTok := prevFiltered[len(prevFiltered)-1-i]
		if !overlap.WordsAreRelated(newTok.word, prevTok.word) {
			break
		}
		matches++
	}

	removed := 0
	text := newText
	if matches > 0 {
		removeUpTo := newFiltered[matches-1].index + 1
		removed = removeUpTo
		text = strings.Join(origWords[removeUpTo:], " ")
	}

	changed := removed > 0
	if countNonSpace(text) < 3 {
		if text != "" {
			changed = true
		}
		text = ""
	}

	return Result{Text: text, Removed: removed, Changed: changed}
}

// filterTokens keeps only words whose cleaned length is at least minWordLen,
// recording each surviving word's original index.
func filterTokens(words []string) []token {
	out := make([]token, 0, len(words))
	for i, w := range words {
		if len(clean(w)) > minWordLen-1 {
			out = append(out, token{word: w, index: i})
		}
	}
	return out
}

func clean(w string) string {
	return strings.ToLower(strings.Trim(w, ".,!?;:-'\"()"))
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func endsSentence(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last == '.' || last == '!' || last == '?'
}

func startsCapitalized(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	r := []rune(fields[0])
	if len(r) == 0 {
		return false
	}
	return unicode.IsUpper(r[0])
}
