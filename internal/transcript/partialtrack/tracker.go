// Package partialtrack implements the Partial Tracker (spec component C3):
// the latest/longest partial bookkeeping for a single transcript segment.
package partialtrack

import (
	"strings"
	"sync"
	"time"
)

// Snapshot is an immutable copy of a [Tracker]'s state at a point in time.
type Snapshot struct {
	Latest    string
	LatestAt  time.Time
	Longest   string
	LongestAt time.Time
}

// UpdateResult reports which fields changed as a result of an [Tracker.Update]
// call.
type UpdateResult struct {
	LatestChanged  bool
	LongestChanged bool
}

// Extension is the result of a successful [Tracker.Extends] check.
type Extension struct {
	// Suffix is the "missing words" — the portion of the tracked text beyond
	// what the caller already has.
	Suffix string

	// FromLongest reports whether the extension was found in longest (true)
	// or latest (false).
	FromLongest bool
}

// Tracker maintains the latest and longest partial transcript seen within
// the current segment, plus a write-only mirror ([Tracker.LatestForCorrection])
// that survives commit resets so that late grammar-correction results can
// still resolve against the newest input.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	latest    string
	latestAt  time.Time
	longest   string
	longestAt time.Time

	latestForCorrection string
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Update records a newly observed partial text. latest is replaced whenever
// text is strictly longer than the current latest; longest is monotone in
// length across the lifetime of the segment (spec.md §4.3).
func (t *Tracker) Update(text string, now time.Time) UpdateResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res UpdateResult

	t.latestForCorrection = text

	if len(text) > len(t.latest) {
		t.latest = text
		t.latestAt = now
		res.LatestChanged = true
	}
	if len(text) > len(t.longest) {
		t.longest = text
		t.longestAt = now
		res.LongestChanged = true
	}
	return res
}

// Snapshot returns a copy of the current latest/longest state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		Latest:    t.latest,
		LatestAt:  t.latestAt,
		Longest:   t.longest,
		LongestAt: t.longestAt,
	}
}

// SnapshotAndReset atomically returns the state observed strictly before
// resetting latest/longest to empty (spec.md §4.3). latestForCorrection is
// never cleared by this call — it is only ever overwritten by [Tracker.Update].
func (t *Tracker) SnapshotAndReset() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.snapshotLocked()
	t.latest = ""
	t.latestAt = time.Time{}
	t.longest = ""
	t.longestAt = time.Time{}
	return snap
}

// LatestForCorrection returns the most recent text ever passed to
// [Tracker.Update], regardless of segment boundaries or resets.
func (t *Tracker) LatestForCorrection() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latestForCorrection
}

// Extends reports whether longest or latest (preferring longest) begins with
// text, case-insensitively and with normalized whitespace, and is no older
// than maxAge. When maxAge is zero, age is not checked.
func (t *Tracker) Extends(text string, maxAge time.Duration, now time.Time) (Extension, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ext, ok := tryExtends(t.longest, t.longestAt, text, maxAge, now, true); ok {
		return ext, true
	}
	if ext, ok := tryExtends(t.latest, t.latestAt, text, maxAge, now, false); ok {
		return ext, true
	}
	return Extension{}, false
}

func tryExtends(candidate string, at time.Time, text string, maxAge time.Duration, now time.Time, fromLongest bool) (Extension, bool) {
	if candidate == "" {
		return Extension{}, false
	}
	if maxAge > 0 && now.Sub(at) > maxAge {
		return Extension{}, false
	}

	normCandidate := normalizeWhitespace(candidate)
	normText := normalizeWhitespace(text)
	if normText == "" {
		return Extension{}, false
	}
	if len(normCandidate) < len(normText) {
		return Extension{}, false
	}
	if !strings.EqualFold(normCandidate[:len(normText)], normText) {
		return Extension{}, false
	}
	suffix := strings.TrimSpace(normCandidate[len(normText):])
	return Extension{Suffix: suffix, FromLongest: fromLongest}, true
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
