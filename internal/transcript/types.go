// Package transcript implements the Assembly Controller (spec component
// C8): the per-session, call-driven coordinator that ties the Overlap Merger, Deduplicator,
// Partial Tracker, RTT Tracker, Rate Limiter, Request Queue, and
// Forced-Commit/Recovery Engine together into a single stream of typed
// output events.
package transcript

import "time"

// FragmentKind distinguishes a partial (interim) recognition from a final
// (authoritative) one.
type FragmentKind int

const (
	FragmentPartial FragmentKind = iota
	FragmentFinal
)

// String implements fmt.Stringer.
func (k FragmentKind) String() string {
	if k == FragmentFinal {
		return "final"
	}
	return "partial"
}

// Fragment is one recognizer event delivered to the controller.
type Fragment struct {
	Text     string
	Kind     FragmentKind
	Seq      uint64 // monotone per session
	RecvAt   time.Time
	ClientTS time.Time // zero value means absent
}

// PartialSnapshot mirrors partialtrack.Snapshot at the Controller boundary,
// kept as its own type so callers of this package never need to import
// internal/transcript/partialtrack directly.
type PartialSnapshot struct {
	Latest    string
	LatestAt  time.Time
	Longest   string
	LongestAt time.Time
}

// Commit is an authoritative, committed span of transcript text.
type Commit struct {
	ID           string
	Text         string
	Forced       bool
	CommittedAt  time.Time
	PrevCommitID string
	Seq          uint64
}

// ForcedFinalBuffer mirrors the forcedcommit engine's buffer state for
// observability; the engine itself is the source of truth.
type ForcedFinalBuffer struct {
	Text                string
	CreatedAt           time.Time
	RecoveryInProgress  bool
	CommittedByRecovery bool
}

// SessionUsage mirrors one session's rate-limit window for observability.
type SessionUsage struct {
	RequestsInWindow uint32
	TokensInWindow   uint64
	WindowStart      time.Time
}

// EventKind discriminates an [Event].
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventCommit
	EventGrammarUpdate
	EventTranslation
	EventLatencyReport
)

// Event is the sum type emitted on a session's output stream (spec.md §6
// "Output events"). Exactly one of the typed payload fields is meaningful,
// selected by Kind; this mirrors the teacher's tagged-struct approach in
// pkg/types rather than introducing an interface-per-event hierarchy.
type Event struct {
	Kind EventKind
	At   time.Time

	Partial       *PartialEvent       `json:"partial,omitempty"`
	Final         *FinalEvent         `json:"final,omitempty"`
	Commit        *CommitEvent        `json:"commit,omitempty"`
	GrammarUpdate *GrammarUpdateEvent `json:"grammar_update,omitempty"`
	Translation   *TranslationEvent   `json:"translation,omitempty"`
	LatencyReport *LatencyReportEvent `json:"latency_report,omitempty"`
}

// PartialEvent is emitted for every partial arrival, even ones the
// deduplicator collapsed to an empty string.
type PartialEvent struct {
	Text   string
	Seq    uint64
	Offset int
}

// FinalEvent is emitted when a final is first accepted into pending-final
// state, ahead of the eventual Commit.
type FinalEvent struct {
	Text   string
	Seq    uint64
	Offset int
}

// CommitEvent is emitted exactly once per committed span (spec.md §8
// property 2: at-most-once commit).
type CommitEvent struct {
	ID     string
	Text   string
	Forced bool
	Seq    uint64
}

// GrammarUpdateEvent carries a late grammar-correction result keyed by
// commit id; consumers must apply it by id since it may arrive out of
// order relative to later commits (spec.md §5 ordering guarantee 3).
type GrammarUpdateEvent struct {
	CommitID  string
	Original  string
	Corrected string
}

// TranslationEvent carries a translation result keyed by commit id.
type TranslationEvent struct {
	CommitID  string
	Lang      string
	Text      string
	IsPartial bool
}

// LatencyReportEvent surfaces a latency measurement for observability. It is
// delivered only as an Event; internal/observe does not record it.
type LatencyReportEvent struct {
	Metric  string
	ValueMS float64
}
