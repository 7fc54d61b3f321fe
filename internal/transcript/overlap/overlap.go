// Package overlap implements the pure string-matching algorithms used to
// merge an already-held transcript fragment ("buffered") with a newly
// arrived one ("candidate").
//
// [Merge] tries a fixed sequence of strategies — prefix overlap, phrase
// overlap, single-word overlap (with compound-word protection), fuzzy
// overlap, and finally a plain append — and returns the first one that
// succeeds together with the merged string. The package has no side effects
// and performs no I/O; every function here is deterministic and safe for
// concurrent use.
package overlap

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Kind identifies which strategy produced a [Decision].
type Kind int

const (
	// Reject is returned only when both inputs normalize to empty text.
	Reject Kind = iota

	// PrefixOverlap means buffered is a verbatim suffix of candidate's word
	// sequence; the merged text is candidate in full.
	PrefixOverlap

	// PhraseOverlap means a 2-4 word phrase from the tail of buffered was
	// found inside candidate.
	PhraseOverlap

	// WordOverlap means a single word from the tail of buffered was found
	// in candidate (compound-word protected).
	WordOverlap

	// FuzzyOverlap means the match point was found via Levenshtein
	// similarity rather than exact/related word equality.
	FuzzyOverlap

	// FullAppend means no overlap was found; candidate was appended whole.
	FullAppend
)

// String returns a human-readable name for k.
func (k Kind) String() string {
	switch k {
	case Reject:
		return "reject"
	case PrefixOverlap:
		return "prefix_overlap"
	case PhraseOverlap:
		return "phrase_overlap"
	case WordOverlap:
		return "word_overlap"
	case FuzzyOverlap:
		return "fuzzy_overlap"
	case FullAppend:
		return "full_append"
	default:
		return "unknown"
	}
}

// Decision is the result of a [Merge] call.
type Decision struct {
	// Kind identifies which strategy produced this decision.
	Kind Kind

	// Text is the final merged string.
	Text string

	// Tail is the portion of candidate that was appended onto buffered.
	// For PrefixOverlap, Tail is the candidate's missing prefix (the part
	// buffered lacked), matching spec.md's "missing prefix" language.
	Tail string

	// Score is the Levenshtein similarity that produced a FuzzyOverlap
	// decision. Zero for all other kinds.
	Score float64
}

const (
	// fuzzyThreshold is the minimum similarity score accepted by the fuzzy
	// overlap strategy (step 5).
	fuzzyThreshold = 0.72

	// relatednessThreshold is the minimum Levenshtein similarity accepted by
	// wordsAreRelated when no suffix relation applies.
	relatednessThreshold = 0.85

	// maxPhraseWords bounds the phrase-overlap search window (step 3).
	maxPhraseWords = 4

	// fuzzyLookback bounds how many trailing words of buffered participate
	// in the fuzzy overlap search (step 5).
	fuzzyLookback = 6
)

// knownSuffixes are the suffixes wordsAreRelated accepts when one word
// extends another (spec.md §4.1 "words_are_related").
var knownSuffixes = []string{"ing", "ed", "er", "es", "s", "ly", "d"}

// punctuationCutset is stripped from each word before comparison.
const punctuationCutset = ".,!?;:-'\"()"

// Merge applies the try-in-order strategies from spec.md §4.1 to buffered and
// candidate and returns the resulting [Decision]. lookahead, when supplied,
// is used to deduplicate the tail against text the caller already knows is
// coming next (the next partial and/or next final); pass none when no
// look-ahead is available.
func Merge(buffered, candidate string, lookahead ...string) Decision {
	normBuffered := normalizeWhitespace(buffered)
	normCandidate := normalizeWhitespace(candidate)

	if normBuffered == "" && normCandidate == "" {
		return Decision{Kind: Reject}
	}
	if normBuffered == "" {
		return finish(Decision{Kind: FullAppend, Text: normCandidate, Tail: normCandidate}, lookahead)
	}
	if normCandidate == "" {
		return Decision{Kind: FullAppend, Text: normBuffered, Tail: ""}
	}

	bufWords := strings.Fields(normBuffered)
	candWords := strings.Fields(normCandidate)

	if d, ok := tryPrefixOverlap(bufWords, candWords, normCandidate); ok {
		return finish(d, lookahead)
	}
	if d, ok := tryPhraseOverlap(bufWords, candWords, normBuffered); ok {
		return finish(d, lookahead)
	}
	if d, ok := tryWordOverlap(bufWords, candWords, normBuffered); ok {
		return finish(d, lookahead)
	}
	if d, ok := tryFuzzyOverlap(bufWords, candWords, normBuffered); ok {
		return finish(d, lookahead)
	}

	merged := normBuffered + " " + normCandidate
	return finish(Decision{Kind: FullAppend, Text: merged, Tail: normCandidate}, lookahead)
}

// tryPrefixOverlap implements spec.md §4.1 step 2: buffered's full word
// sequence equals the suffix of candidate's word sequence.
func tryPrefixOverlap(bufWords, candWords []string, normCandidate string) (Decision, bool) {
	if len(bufWords) == 0 || len(bufWords) > len(candWords) {
		return Decision{}, false
	}
	suffix := candWords[len(candWords)-len(bufWords):]
	for i := range bufWords {
		if !cleanEqual(bufWords[i], suffix[i]) {
			return Decision{}, false
		}
	}
	candWordBoundary := len(candWords) - len(bufWords)
	missingPrefix := strings.Join(candWords[:candWordBoundary], " ")
	return Decision{
		Kind: PrefixOverlap,
		Text: normCandidate,
		Tail: missingPrefix,
	}, true
}

// tryPhraseOverlap implements spec.md §4.1 step 3: phrases of 2-4 words
// descending, matched anywhere in candidate.
func tryPhraseOverlap(bufWords, candWords []string, normBuffered string) (Decision, bool) {
	maxL := maxPhraseWords
	if len(bufWords) < maxL {
		maxL = len(bufWords)
	}
	if len(candWords) < maxL {
		maxL = len(candWords)
	}

	for l := maxL; l >= 2; l-- {
		phrase := bufWords[len(bufWords)-l:]
		for i := 0; i+l <= len(candWords); i++ {
			if phraseMatches(phrase, candWords[i:i+l]) {
				tail := strings.Join(candWords[i+l:], " ")
				merged := normBuffered
				if tail != "" {
					merged += " " + tail
				}
				return Decision{Kind: PhraseOverlap, Text: merged, Tail: tail}, true
			}
		}
	}
	return Decision{}, false
}

func phraseMatches(a, b []string) bool {
	for i := range a {
		if !wordsAreRelated(a[i], b[i]) {
			return false
		}
	}
	return true
}

// tryWordOverlap implements spec.md §4.1 step 4: a single word match scanned
// from the end of buffered, left-to-right in candidate, with compound-word
// protection.
func tryWordOverlap(bufWords, candWords []string, normBuffered string) (Decision, bool) {
	for i := len(bufWords) - 1; i >= 0; i-- {
		w := bufWords[i]
		for j := 0; j < len(candWords); j++ {
			if !wordsAreRelated(w, candWords[j]) {
				continue
			}
			if isCompoundMismatch(w, candWords[j]) {
				continue
			}
			tail := strings.Join(candWords[j+1:], " ")
			merged := normBuffered
			if tail != "" {
				merged += " " + tail
			}
			return Decision{Kind: WordOverlap, Text: merged, Tail: tail}, true
		}
	}
	return Decision{}, false
}

// tryFuzzyOverlap implements spec.md §4.1 step 5: Levenshtein similarity
// across the last 6 words of buffered and all words of candidate.
func tryFuzzyOverlap(bufWords, candWords []string, normBuffered string) (Decision, bool) {
	lookback := fuzzyLookback
	if lookback > len(bufWords) {
		lookback = len(bufWords)
	}
	start := len(bufWords) - lookback

	bestScore := 0.0
	bestJ := -1
	for i := start; i < len(bufWords); i++ {
		a := cleanWord(bufWords[i])
		if len(a) < 2 {
			continue
		}
		for j, cw := range candWords {
			b := cleanWord(cw)
			if len(b) < 2 {
				continue
			}
			score := similarity(a, b)
			if score > bestScore {
				bestScore = score
				bestJ = j
			}
		}
	}

	if bestJ < 0 || bestScore < fuzzyThreshold {
		return Decision{}, false
	}

	tail := strings.Join(candWords[bestJ+1:], " ")
	merged := normBuffered
	if tail != "" {
		merged += " " + tail
	}
	return Decision{Kind: FuzzyOverlap, Text: merged, Tail: tail, Score: bestScore}, true
}

// finish applies tail deduplication against look-ahead text (spec.md §4.1,
// "Tail deduplication against look-ahead") to d and recomputes d.Text to
// reflect the possibly-shortened tail. A PrefixOverlap decision is returned
// unchanged: its Tail is the leading missing prefix, and nothing is
// appended after buffered.
func finish(d Decision, lookahead []string) Decision {
	if d.Tail == "" || len(lookahead) == 0 || d.Kind == PrefixOverlap {
		return d
	}

	prefixLen := len(d.Text) - len(d.Tail)
	if prefixLen < 0 {
		return d
	}
	prefix := d.Text[:prefixLen]

	newTail := dedupTailAgainstLookahead(d.Tail, lookahead)
	if newTail == d.Tail {
		return d
	}
	d.Tail = newTail
	d.Text = strings.TrimRight(prefix+newTail, " ")
	return d
}

// dedupTailAgainstLookahead strips from the end of tail any trailing phrase
// (2-4 words) that also appears within the first 6 words of any look-ahead
// text, falling back to word-by-word trailing removal against the first 5
// words, both with compound-word protection.
func dedupTailAgainstLookahead(tail string, lookahead []string) string {
	tailWords := strings.Fields(tail)
	if len(tailWords) == 0 {
		return tail
	}

	var heads [][]string
	for _, la := range lookahead {
		laWords := strings.Fields(normalizeWhitespace(la))
		n := 6
		if len(laWords) < n {
			n = len(laWords)
		}
		if n > 0 {
			heads = append(heads, laWords[:n])
		}
	}
	if len(heads) == 0 {
		return tail
	}

	// Phrase-level pass: try longest trailing phrase (2-4 words) first.
	for l := maxPhraseWords; l >= 2; l-- {
		if l > len(tailWords) {
			continue
		}
		trailing := tailWords[len(tailWords)-l:]
		for _, head := range heads {
			if containsSubsequence(head, trailing) {
				return strings.Join(tailWords[:len(tailWords)-l], " ")
			}
		}
	}

	// Word-by-word pass against the first 5 words of look-ahead.
	removed := 0
	for removed < len(tailWords) {
		idx := len(tailWords) - 1 - removed
		w := tailWords[idx]
		matched := false
		for _, la := range lookahead {
			laWords := strings.Fields(normalizeWhitespace(la))
			n := 5
			if len(laWords) < n {
				n = len(laWords)
			}
			for k := 0; k < n; k++ {
				if wordsAreRelated(w, laWords[k]) && !isCompoundMismatch(w, laWords[k]) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			break
		}
		removed++
	}
	if removed == 0 {
		return tail
	}
	return strings.Join(tailWords[:len(tailWords)-removed], " ")
}

// containsSubsequence reports whether needle appears contiguously (via
// wordsAreRelated, compound-protected) within haystack.
func containsSubsequence(haystack, needle []string) bool {
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		ok := true
		for j := range needle {
			if !wordsAreRelated(haystack[i+j], needle[j]) || isCompoundMismatch(haystack[i+j], needle[j]) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// WordsAreRelated implements the words_are_related predicate: two words are
// related if they're equal once cleaned, one is the other extended by a
// known English suffix, or they're fuzzy-close by Levenshtein distance.
// Exported so internal/transcript/dedup can share this instead of
// re-implementing its own word-relatedness check.
func WordsAreRelated(a, b string) bool {
	return wordsAreRelated(a, b)
}

func wordsAreRelated(a, b string) bool {
	ca, cb := cleanWord(a), cleanWord(b)
	if ca == "" || cb == "" {
		return ca == cb
	}
	if ca == cb {
		return true
	}

	shorter, longer := ca, cb
	if len(ca) > len(cb) {
		shorter, longer = cb, ca
	}
	if len(shorter) >= 3 && strings.HasPrefix(longer, shorter) {
		suffix := longer[len(shorter):]
		for _, s := range knownSuffixes {
			if suffix == s {
				return true
			}
		}
	}

	maxLen := len(ca)
	if len(cb) > maxLen {
		maxLen = len(cb)
	}
	if maxLen >= 4 && similarity(ca, cb) >= relatednessThreshold {
		return true
	}
	return false
}

// isCompoundMismatch rejects a match where one side is a hyphenated compound
// and the other is merely that compound's last segment, and the compound is
// materially longer (spec.md §4.1 step 4, §8 testable property 5).
func isCompoundMismatch(a, b string) bool {
	return compoundMismatchOneWay(a, b) || compoundMismatchOneWay(b, a)
}

func compoundMismatchOneWay(compound, segment string) bool {
	if !strings.Contains(compound, "-") {
		return false
	}
	parts := strings.Split(compound, "-")
	last := cleanWord(parts[len(parts)-1])
	seg := cleanWord(segment)
	if last == "" || seg == "" || last != seg {
		return false
	}
	// "Materially longer": the compound carries meaningfully more than just
	// the matched segment.
	compoundLen := len(cleanWord(compound))
	return compoundLen > len(seg)+2
}

// cleanWord strips comparison punctuation and lowercases w.
func cleanWord(w string) string {
	return strings.ToLower(strings.Trim(w, punctuationCutset))
}

func cleanEqual(a, b string) bool {
	return cleanWord(a) == cleanWord(b)
}

// normalizeWhitespace strips trailing sentence punctuation and collapses
// internal whitespace to single spaces, preserving case.
func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	last := len(fields) - 1
	fields[last] = strings.TrimRight(fields[last], ".!?")
	if fields[last] == "" {
		fields = fields[:last]
	}
	return strings.Join(fields, " ")
}

// similarity returns 1 - levenshtein(a,b)/max(len(a),len(b)), using matchr's
// Levenshtein implementation.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if rb := len([]rune(b)); rb > maxLen {
		maxLen = rb
	}
	if maxLen == 0 {
		return 1
	}
	dist, err := matchr.Levenshtein(a, b)
	if err != nil {
		return 0
	}
	return 1 - float64(dist)/float64(maxLen)
}
