package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opendictate/transvox/internal/transcript/dedup"
	"github.com/opendictate/transvox/internal/transcript/forcedcommit"
	"github.com/opendictate/transvox/internal/transcript/overlap"
	"github.com/opendictate/transvox/internal/transcript/partialtrack"
	"github.com/opendictate/transvox/internal/transcript/ratelimit"
	"github.com/opendictate/transvox/internal/transcript/reqqueue"
	"github.com/opendictate/transvox/internal/transcript/rtt"
)

// Defaults from spec.md §6 "throttle"/"dedup" config blocks and §4.8's
// duplicate-suppression window.
const (
	DefaultThrottle                = 2000 * time.Millisecond
	DefaultGrowthChars             = 20
	DefaultPartialDedupWords       = 3
	DefaultFinalDedupWords         = 5
	DefaultRecentCommitWindow      = 5 * time.Second
	DefaultDuplicateSuppressWindow = 10 * time.Second
	DefaultPartialGrammarTimeout   = 2 * time.Second
	DefaultFinalGrammarTimeout     = 5 * time.Second
	DefaultPartialTranslateTimeout = 15 * time.Second
	DefaultFinalTranslateTimeout   = 20 * time.Second
	forcedFinalGapWindow           = 2 * time.Second
)

// GrammarCorrector is the narrow surface Controller needs from a grammar
// correction backend (implemented by internal/transcript/llmtext).
type GrammarCorrector interface {
	Correct(ctx context.Context, text string) (string, error)
}

// Translator is the narrow surface Controller needs from a translation
// backend.
type Translator interface {
	Translate(ctx context.Context, text, lang string) (string, error)
}

// Config tunes a [Controller]. Zero-value fields fall back to spec.md
// defaults.
type Config struct {
	ThrottleMS              time.Duration
	GrowthChars             int
	PartialDedupWords       int
	FinalDedupWords         int
	RecentCommitWindow      time.Duration
	DuplicateSuppressWindow time.Duration
	PartialGrammarTimeout   time.Duration
	FinalGrammarTimeout     time.Duration
	PartialTranslateTimeout time.Duration
	FinalTranslateTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ThrottleMS <= 0 {
		c.ThrottleMS = DefaultThrottle
	}
	if c.GrowthChars <= 0 {
		c.GrowthChars = DefaultGrowthChars
	}
	if c.PartialDedupWords <= 0 {
		c.PartialDedupWords = DefaultPartialDedupWords
	}
	if c.FinalDedupWords <= 0 {
		c.FinalDedupWords = DefaultFinalDedupWords
	}
	if c.RecentCommitWindow <= 0 {
		c.RecentCommitWindow = DefaultRecentCommitWindow
	}
	if c.DuplicateSuppressWindow <= 0 {
		c.DuplicateSuppressWindow = DefaultDuplicateSuppressWindow
	}
	if c.PartialGrammarTimeout <= 0 {
		c.PartialGrammarTimeout = DefaultPartialGrammarTimeout
	}
	if c.FinalGrammarTimeout <= 0 {
		c.FinalGrammarTimeout = DefaultFinalGrammarTimeout
	}
	if c.PartialTranslateTimeout <= 0 {
		c.PartialTranslateTimeout = DefaultPartialTranslateTimeout
	}
	if c.FinalTranslateTimeout <= 0 {
		c.FinalTranslateTimeout = DefaultFinalTranslateTimeout
	}
	return c
}

// Deps are the Controller's collaborators. Limiter and Queue are the only
// process-wide shared values (spec.md §5); everything else is owned
// exclusively by one Controller.
type Deps struct {
	SessionID string
	Limiter   *ratelimit.Limiter
	Queue     *reqqueue.Queue
	RTT       *rtt.Tracker

	Grammar    GrammarCorrector // nil disables grammar correction
	Translator Translator       // nil disables translation
	TargetLang string

	// ForcedCommit tunes the session's forced-commit/recovery engine;
	// zero value falls back to spec.md defaults.
	ForcedCommit forcedcommit.Config

	// Emit receives every output event in emission order for this session.
	// Must not block for long; Controller calls it synchronously from
	// whichever goroutine produced the event.
	Emit func(Event)

	Logger *slog.Logger
}

type pendingFinal struct {
	text  string
	at    time.Time
	timer *time.Timer
}

// Controller is the per-session Assembly Controller (spec component C8). A
// Controller is not safe for concurrent use from multiple goroutines except
// where noted — it implements the "one logical task driving the state
// machine" concurrency model of spec.md §5; callers drive it from a single
// goroutine per session.
type Controller struct {
	cfg  Config
	deps Deps

	partials *partialtrack.Tracker
	forced   *forcedcommit.Engine

	mu                     sync.Mutex
	partialSeq             uint64
	finalSeq               uint64
	commitSeq              uint64
	lastCommit             *Commit
	lastOriginalCommitText string
	lastPartialSendAt      time.Time
	lastPartialSendText    string
	firstOfSegment         bool
	pending                *pendingFinal
	recentCommits          []Commit
}

// New constructs a Controller for one session.
func New(cfg Config, deps Deps) *Controller {
	if deps.Emit == nil {
		deps.Emit = func(Event) {}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RTT == nil {
		deps.RTT = rtt.New(rtt.DefaultConfig())
	}
	return &Controller{
		cfg:            cfg.withDefaults(),
		deps:           deps,
		partials:       partialtrack.New(),
		forced:         forcedcommit.New(deps.ForcedCommit),
		firstOfSegment: true,
	}
}

// HandlePartial implements spec.md §4.8's partial-arrival handling.
func (c *Controller) HandlePartial(ctx context.Context, text string, recvAt time.Time) PartialEvent {
	c.partials.Update(text, recvAt)

	c.mu.Lock()
	forward := text
	last := c.lastCommit
	lastOriginal := c.lastOriginalCommitText
	c.mu.Unlock()

	if last != nil && recvAt.Sub(last.CommittedAt) <= c.cfg.RecentCommitWindow {
		res := dedup.Apply(text, lastOriginal, last.CommittedAt, recvAt, dedup.DefaultWindow, c.cfg.PartialDedupWords)
		extendsLast := strings.HasPrefix(normalizeFold(text), normalizeFold(lastOriginal))
		if res.Text != "" {
			forward = res.Text
		} else if res.Changed && !extendsLast {
			forward = ""
		}
	}

	c.mu.Lock()
	c.partialSeq++
	seq := c.partialSeq
	c.mu.Unlock()

	ev := PartialEvent{Text: forward, Seq: seq}
	c.deps.Emit(Event{Kind: EventPartial, At: recvAt, Partial: &ev})

	if forward != "" {
		c.maybeThrottledCorrect(ctx, FragmentPartial, forward, recvAt)
	}
	return ev
}

// normalizeFold lower-cases and collapses whitespace for loose comparisons
// that don't belong in the overlap/dedup packages themselves.
func normalizeFold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// maybeThrottledCorrect implements spec.md §4.8 step 3: a grammar/
// translation request is sent iff it's the first of the segment, the
// throttle interval elapsed, the text grew enough, or it ends in sentence
// punctuation; otherwise the request is dropped (the next qualifying
// partial or the eventual final carries the latest text forward).
func (c *Controller) maybeThrottledCorrect(ctx context.Context, kind FragmentKind, text string, now time.Time) {
	c.mu.Lock()
	send := c.firstOfSegment ||
		now.Sub(c.lastPartialSendAt) >= c.cfg.ThrottleMS ||
		len(text)-len(c.lastPartialSendText) >= c.cfg.GrowthChars ||
		endsInSentencePunctuation(text)
	if send {
		c.firstOfSegment = false
		c.lastPartialSendAt = now
		c.lastPartialSendText = text
	}
	c.mu.Unlock()

	if !send {
		return
	}
	c.requestGrammarAndTranslation(ctx, "", text, kind)
}

func endsInSentencePunctuation(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}

// HandleFinal implements spec.md §4.8's final-arrival handling, steps 1-3.
// The eventual commit happens asynchronously when the lookahead timer set
// here fires (see finalizePending).
func (c *Controller) HandleFinal(ctx context.Context, text string, recvAt time.Time) {
	if c.forced.State() != forcedcommit.StateIdle {
		handled, err := c.forced.ArriveNewFinal(ctx, text, c.forcedCommitter(ctx))
		if err != nil {
			c.deps.Logger.Error("forced commit flush failed", "error", err, "session", c.deps.SessionID)
		}
		if handled {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.finalSeq++
	seq := c.finalSeq
	fev := FinalEvent{Text: text, Seq: seq}
	c.deps.Emit(Event{Kind: EventFinal, At: recvAt, Final: &fev})

	if c.pending != nil {
		switch {
		case strings.HasPrefix(normalizeFold(text), normalizeFold(c.pending.text)):
			c.pending.text = text
			c.pending.at = recvAt
			c.resetPendingTimerLocked(ctx)
			return
		default:
			// A real overlap/extension was found (anything but a plain
			// concatenation) counts as a successful merge; FullAppend means
			// C1 found no connection between the two texts, which spec.md
			// §4.8 treats the same as an outright merge failure.
			if d := overlap.Merge(c.pending.text, text); d.Kind != overlap.FullAppend && d.Kind != overlap.Reject {
				c.pending.text = d.Text
				c.pending.at = recvAt
				c.resetPendingTimerLocked(ctx)
				return
			}
			prior := c.pending.text
			c.stopPendingLocked()
			c.mu.Unlock()
			c.commitProcedure(ctx, prior, false)
			c.mu.Lock()
		}
	}

	c.pending = &pendingFinal{text: text, at: recvAt}
	c.resetPendingTimerLocked(ctx)
}

// resetPendingTimerLocked (re)starts the lookahead timer that eventually
// runs finalizePending. Must be called with c.mu held.
func (c *Controller) resetPendingTimerLocked(ctx context.Context) {
	if c.pending.timer != nil {
		c.pending.timer.Stop()
	}
	lookahead := c.deps.RTT.AdaptiveLookahead()
	c.pending.timer = time.AfterFunc(lookahead, func() {
		c.finalizePending(ctx)
	})
}

func (c *Controller) stopPendingLocked() {
	if c.pending != nil && c.pending.timer != nil {
		c.pending.timer.Stop()
	}
	c.pending = nil
}

// finalizePending implements spec.md §4.8 step 4.
func (c *Controller) finalizePending(ctx context.Context) {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return
	}
	text := c.pending.text
	lastOriginal := c.lastOriginalCommitText
	var lastAt time.Time
	if c.lastCommit != nil {
		lastAt = c.lastCommit.CommittedAt
	}
	c.pending = nil
	c.mu.Unlock()

	now := time.Now()
	res := dedup.Apply(text, lastOriginal, lastAt, now, dedup.DefaultWindow, c.cfg.FinalDedupWords)
	if res.Text == "" {
		return
	}
	finalText := res.Text
	c.commitProcedure(ctx, finalText, isForcedFinal(finalText, c.partials.Snapshot(), now))
}

// isForcedFinal applies spec.md §4.7's heuristic: a final shorter than the
// longest partial observed within a short window is suspected to omit
// trailing words.
func isForcedFinal(finalText string, snap partialtrack.Snapshot, now time.Time) bool {
	if snap.Longest == "" {
		return false
	}
	if now.Sub(snap.LongestAt) > forcedFinalGapWindow {
		return false
	}
	return len(finalText) < len(snap.Longest)
}

// forcedCommitter adapts Controller.commitProcedure to forcedcommit.Committer.
func (c *Controller) forcedCommitter(ctx context.Context) forcedcommit.Committer {
	return func(_ context.Context, text string, forced bool) error {
		c.commitProcedure(ctx, text, forced)
		return nil
	}
}

// commitProcedure implements spec.md §4.8 step 5 and the duplicate
// suppression defense in depth.
func (c *Controller) commitProcedure(ctx context.Context, text string, forced bool) {
	now := time.Now()

	// spec.md §4.8 step 5a: if the partial tracker's longest strictly
	// extends the text about to be committed, commit the longest instead.
	if _, ok := c.partials.Extends(text, 0, now); ok {
		if snap := c.partials.Snapshot(); snap.Longest != "" {
			text = snap.Longest
		}
	}

	c.mu.Lock()
	if forced && c.isDuplicateLocked(text, now) {
		c.mu.Unlock()
		c.deps.Logger.Debug("duplicate commit suppressed", "session", c.deps.SessionID)
		return
	}

	c.commitSeq++
	prevID := ""
	if c.lastCommit != nil {
		prevID = c.lastCommit.ID
	}
	commit := Commit{
		ID:           uuid.NewString(),
		Text:         text,
		Forced:       forced,
		CommittedAt:  now,
		PrevCommitID: prevID,
		Seq:          c.commitSeq,
	}
	c.lastCommit = &commit
	c.lastOriginalCommitText = text
	c.firstOfSegment = true
	c.lastPartialSendAt = time.Time{}
	c.lastPartialSendText = ""
	c.recentCommits = append(c.recentCommits, commit)
	c.recentCommits = pruneOlderThan(c.recentCommits, now, c.cfg.DuplicateSuppressWindow)
	c.mu.Unlock()

	c.partials.SnapshotAndReset()

	cev := CommitEvent{ID: commit.ID, Text: commit.Text, Forced: commit.Forced, Seq: commit.Seq}
	c.deps.Emit(Event{Kind: EventCommit, At: now, Commit: &cev})

	c.requestGrammarAndTranslation(ctx, commit.ID, commit.Text, FragmentFinal)
}

// isDuplicateLocked implements spec.md §4.8's duplicate suppression defense
// in depth. Must be called with c.mu held.
func (c *Controller) isDuplicateLocked(text string, now time.Time) bool {
	normNew := normalizeFold(text)
	for _, prev := range c.recentCommits {
		if !prev.Forced {
			continue
		}
		if now.Sub(prev.CommittedAt) > c.cfg.DuplicateSuppressWindow {
			continue
		}
		if normNew == normalizeFold(prev.Text) {
			return true
		}
		lenDiff := len(text) - len(prev.Text)
		if lenDiff < 0 {
			lenDiff = -lenDiff
		}
		if lenDiff <= 10 && wordOverlapRatio(normNew, normalizeFold(prev.Text)) >= 0.75 && len(text) <= len(prev.Text) {
			return true
		}
	}
	return false
}

func wordOverlapRatio(a, b string) float64 {
	aw := strings.Fields(a)
	bw := strings.Fields(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(bw))
	for _, w := range bw {
		set[w] = struct{}{}
	}
	shared := 0
	for _, w := range aw {
		if _, ok := set[w]; ok {
			shared++
		}
	}
	denom := len(aw)
	if len(bw) > denom {
		denom = len(bw)
	}
	return float64(shared) / float64(denom)
}

func pruneOlderThan(commits []Commit, now time.Time, window time.Duration) []Commit {
	kept := commits[:0]
	for _, cm := range commits {
		if now.Sub(cm.CommittedAt) <= window {
			kept = append(kept, cm)
		}
	}
	return kept
}

// requestGrammarAndTranslation enqueues grammar correction and translation
// jobs through the shared Request Queue (C6). commitID is empty for
// partial-level requests (their results carry no commit id to bind to).
func (c *Controller) requestGrammarAndTranslation(ctx context.Context, commitID, text string, kind FragmentKind) {
	if c.deps.Queue == nil {
		return
	}

	grammarTimeout := c.cfg.PartialGrammarTimeout
	translateTimeout := c.cfg.PartialTranslateTimeout
	if kind == FragmentFinal {
		grammarTimeout = c.cfg.FinalGrammarTimeout
		translateTimeout = c.cfg.FinalTranslateTimeout
	}

	if c.deps.Grammar != nil {
		spec := ratelimit.RequestSpec{MessageChars: len(text)}
		wait, err := c.deps.Queue.Submit(ctx, c.deps.SessionID, spec, func(jobCtx context.Context) (any, error) {
			jobCtx, cancel := context.WithTimeout(jobCtx, grammarTimeout)
			defer cancel()
			corrected, err := c.deps.Grammar.Correct(jobCtx, text)
			if err != nil {
				return text, nil //nolint:nilerr // spec.md §7: grammar errors degrade to original text, never surface
			}
			return corrected, nil
		})
		if err == nil {
			go c.awaitGrammarResult(commitID, text, wait)
		}
	}

	if c.deps.Translator != nil && c.deps.TargetLang != "" {
		spec := ratelimit.RequestSpec{MessageChars: len(text)}
		wait, err := c.deps.Queue.Submit(ctx, c.deps.SessionID, spec, func(jobCtx context.Context) (any, error) {
			jobCtx, cancel := context.WithTimeout(jobCtx, translateTimeout)
			defer cancel()
			translated, err := c.deps.Translator.Translate(jobCtx, text, c.deps.TargetLang)
			if err != nil {
				return "", err
			}
			return translated, nil
		})
		if err == nil {
			go c.awaitTranslationResult(commitID, kind, wait)
		}
	}
}

func (c *Controller) awaitGrammarResult(commitID, original string, wait func() (any, error)) {
	value, err := wait()
	if err != nil {
		return
	}
	corrected, _ := value.(string)
	if commitID == "" {
		return
	}
	ev := GrammarUpdateEvent{CommitID: commitID, Original: original, Corrected: corrected}
	c.deps.Emit(Event{Kind: EventGrammarUpdate, At: time.Now(), GrammarUpdate: &ev})
}

func (c *Controller) awaitTranslationResult(commitID string, kind FragmentKind, wait func() (any, error)) {
	value, err := wait()
	if err != nil {
		// spec.md §7 EmptyOrEchoedTranslation / translator errors: reject,
		// caller falls back to original — here, simply no event.
		return
	}
	translated, _ := value.(string)
	if translated == "" || commitID == "" {
		return
	}
	ev := TranslationEvent{CommitID: commitID, Lang: c.deps.TargetLang, Text: translated, IsPartial: kind == FragmentPartial}
	c.deps.Emit(Event{Kind: EventTranslation, At: time.Now(), Translation: &ev})
}

// OpenForcedBuffer exposes forcedcommit.Engine.OpenBuffer for callers (e.g.
// a recognizer adapter that detected a forced-final condition upstream)
// that want to pre-empt the heuristic in HandleFinal.
func (c *Controller) OpenForcedBuffer(text string, now time.Time) error {
	return c.forced.OpenBuffer(text, now)
}

// BeginForcedRecovery exposes forcedcommit.Engine.BeginRecovery, wiring its
// Committer to this Controller's own commit procedure.
func (c *Controller) BeginForcedRecovery(ctx context.Context, audio forcedcommit.AudioSource, factory forcedcommit.RecognizerFactory) forcedcommit.Result {
	lookahead := forcedcommit.Lookahead{}
	c.mu.Lock()
	if c.pending != nil {
		lookahead.NextFinal = c.pending.text
	}
	c.mu.Unlock()
	return c.forced.BeginRecovery(ctx, audio, factory, c.forcedCommitter(ctx), lookahead)
}

// ArriveExtendingPartial exposes forcedcommit.Engine.ArriveExtendingPartial.
func (c *Controller) ArriveExtendingPartial(text string) {
	c.forced.ArriveExtendingPartial(text)
}

// ForcedState reports the forced-commit engine's current state.
func (c *Controller) ForcedState() forcedcommit.State {
	return c.forced.State()
}

// Close stops any pending timer. It does not emit a final flush; callers
// that want buffered state committed on shutdown should call
// forcedcommit.Engine.Flush via the controller's own commit procedure
// first.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPendingLocked()
}
