// Package forcedcommit implements the Forced-Commit / Recovery Engine (spec
// component C7): the IDLE/BUFFERED/RECOVERING state machine that guards
// against a decoder's forced-final truncation by recapturing a short audio
// window through a transient recognizer and merging the result back in.
package forcedcommit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opendictate/transvox/internal/transcript/overlap"
)

// Defaults from spec.md §6 "forced_commit" config block.
const (
	DefaultCaptureWindow     = 2200 * time.Millisecond
	DefaultRecoveryTimeout   = 5 * time.Second
	DefaultStreamReadyPoll   = 25 * time.Millisecond
	DefaultStreamReadyMax    = 2 * time.Second
	DefaultStreamReadySettle = 50 * time.Millisecond
)

// State is a node of the forced-commit state machine.
type State int

const (
	StateIdle State = iota
	StateBuffered
	StateRecovering
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffered:
		return "buffered"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ErrNotIdle is returned by OpenBuffer when the engine is not in StateIdle.
var ErrNotIdle = errors.New("forcedcommit: open_buffer called outside IDLE")

// ErrNotBuffered is returned by BeginRecovery when the engine is not in
// StateBuffered.
var ErrNotBuffered = errors.New("forcedcommit: begin_recovery called outside BUFFERED")

// Buffer is the text held while the engine waits to recapture it.
type Buffer struct {
	Text   string
	OpenAt time.Time
}

// Result is what a recovery attempt (or a direct flush) produced.
type Result struct {
	// Text is the committed text.
	Text string
	// TimedOut reports whether the hard recovery timeout fired before the
	// recognizer produced anything.
	TimedOut bool
	Err      error
}

// Recognizer is a narrow, transient streaming-recognition handle — just
// enough surface for recapturing a short audio window. Implementations
// typically wrap a [pkg/provider/recognizer.Provider] stream scoped to a
// single recovery attempt.
type Recognizer interface {
	// SendAudio delivers one chunk of PCM.
	SendAudio(chunk []byte) error
	// CloseSend half-closes the write side; no further SendAudio calls will
	// be made after this.
	CloseSend() error
	// Partials emits interim recognitions; closed when the session ends.
	Partials() <-chan string
	// Finals emits authoritative recognitions; closed when the session ends.
	Finals() <-chan string
	// Close releases the recognizer unconditionally.
	Close() error
}

// RecognizerFactory produces a fresh transient [Recognizer] for one
// recovery attempt.
type RecognizerFactory func(ctx context.Context) (Recognizer, error)

// AudioSource returns the most recent window of raw PCM audio, up to
// duration window, from the session's ring buffer.
type AudioSource func(window time.Duration) []byte

// Committer is the callback invoked to commit recovered/flushed text
// through the Assembly Controller (C8). forced reports whether this commit
// must bypass dedup-against-self (spec.md §4.7: a forced-final commit must
// never use its own buffered text as the previous-commit reference).
type Committer func(ctx context.Context, text string, forced bool) error

// Lookahead supplies the next-partial / next-final text (if any) available
// at recovery completion, used as tail-deduplication look-ahead for C1.
type Lookahead struct {
	NextPartial string
	NextFinal   string
}

// Config tunes an [Engine].
type Config struct {
	CaptureWindow     time.Duration
	RecoveryTimeout   time.Duration
	StreamReadyPoll   time.Duration
	StreamReadyMax    time.Duration
	StreamReadySettle time.Duration
}

func (c Config) withDefaults() Config {
	if c.CaptureWindow <= 0 {
		c.CaptureWindow = DefaultCaptureWindow
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.StreamReadyPoll <= 0 {
		c.StreamReadyPoll = DefaultStreamReadyPoll
	}
	if c.StreamReadyMax <= 0 {
		c.StreamReadyMax = DefaultStreamReadyMax
	}
	if c.StreamReadySettle <= 0 {
		c.StreamReadySettle = DefaultStreamReadySettle
	}
	return c
}

// Engine is the per-session forced-commit state machine. The zero value is
// not usable; construct with [New].
type Engine struct {
	cfg Config

	mu     sync.Mutex
	state  State
	buffer Buffer

	// extendingPartial is the most recent partial observed to strictly
	// extend the buffered text, recorded by ArriveExtendingPartial so that
	// BeginRecovery can prefer it over a bare recognizer result.
	extendingPartial string
}

// New returns an Engine in StateIdle.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), state: StateIdle}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OpenBuffer implements spec.md §4.7's open_buffer: allowed only in IDLE.
func (e *Engine) OpenBuffer(text string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return ErrNotIdle
	}
	e.state = StateBuffered
	e.buffer = Buffer{Text: text, OpenAt: now}
	e.extendingPartial = ""
	return nil
}

// ArriveExtendingPartial records a partial that strictly extends the
// buffered text (spec.md §4.7's arrive_extending_partial), to be preferred
// over a bare recognizer result when recovery completes.
func (e *Engine) ArriveExtendingPartial(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		return
	}
	if len(text) > len(e.buffer.Text) && hasPrefixFold(text, e.buffer.Text) {
		e.extendingPartial = text
	}
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// BeginRecovery implements spec.md §4.7's begin_recovery: transitions
// BUFFERED → RECOVERING and runs the recapture-and-merge sequence
// synchronously up to its hard timeout. Callers that want this off the
// event-loop goroutine should invoke it from their own goroutine; Engine
// itself spawns no goroutines so that its single mutex is always the only
// synchronization point.
func (e *Engine) BeginRecovery(ctx context.Context, audio AudioSource, factory RecognizerFactory, commit Committer, lookahead Lookahead) Result {
	e.mu.Lock()
	if e.state != StateBuffered {
		e.mu.Unlock()
		return Result{Err: ErrNotBuffered}
	}
	e.state = StateRecovering
	bufferedText := e.buffer.Text
	e.mu.Unlock()

	recoveryCtx, cancel := context.WithTimeout(ctx, e.cfg.RecoveryTimeout)
	defer cancel()

	recovered, timedOut := e.recapture(recoveryCtx, audio, factory)

	e.mu.Lock()
	if e.extendingPartial != "" {
		recovered = e.extendingPartial
	}
	e.mu.Unlock()

	merged := overlap.Merge(bufferedText, recovered, lookahead.NextPartial, lookahead.NextFinal)
	finalText := merged.Text
	switch {
	case merged.Kind == overlap.Reject:
		// Both recovered and buffered normalized to empty: nothing to say.
		finalText = ""
	case merged.Kind == overlap.FullAppend && recovered != "" && !shareAnyWord(bufferedText, recovered):
		// Recovery produced text with zero word/phrase overlap with what was
		// buffered: treat the recapture as a wash and keep the buffer intact
		// rather than tacking unrelated words onto it (spec.md §4.7 S4).
		finalText = bufferedText
	}

	res := Result{Text: finalText, TimedOut: timedOut}
	if finalText != "" {
		res.Err = commit(ctx, finalText, true)
	}
	e.clearLocked()
	return res
}

// recapture runs steps (1)-(4) of spec.md §4.7's begin_recovery: acquire a
// transient recognizer, feed it the capture window, half-close, and collect
// whatever the recognizer produces before ctx (already timeout-bounded) is
// done.
func (e *Engine) recapture(ctx context.Context, audio AudioSource, factory RecognizerFactory) (string, bool) {
	rec, err := e.waitForReadyRecognizer(ctx, factory)
	if err != nil {
		return "", errors.Is(err, context.DeadlineExceeded)
	}
	defer rec.Close()

	pcm := audio(e.cfg.CaptureWindow)
	if len(pcm) > 0 {
		if err := rec.SendAudio(pcm); err != nil {
			return "", false
		}
	}
	if err := rec.CloseSend(); err != nil {
		return "", false
	}

	lastPartial := ""
	for {
		select {
		case <-ctx.Done():
			if lastPartial != "" {
				return lastPartial, true
			}
			return "", true
		case final, ok := <-rec.Finals():
			if !ok {
				if lastPartial != "" {
					return lastPartial, false
				}
				return "", false
			}
			return final, false
		case partial, ok := <-rec.Partials():
			if !ok {
				continue
			}
			lastPartial = partial
		}
	}
}

// waitForReadyRecognizer implements the stream-readiness poll: 25ms tick,
// 2s cap, plus an additional settle delay once the factory succeeds.
func (e *Engine) waitForReadyRecognizer(ctx context.Context, factory RecognizerFactory) (Recognizer, error) {
	deadline := time.Now().Add(e.cfg.StreamReadyMax)
	ticker := time.NewTicker(e.cfg.StreamReadyPoll)
	defer ticker.Stop()

	for {
		rec, err := factory(ctx)
		if err == nil {
			time.Sleep(e.cfg.StreamReadySettle)
			return rec, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArriveNewFinal implements spec.md §4.7's arrive_new_final. It is a no-op
// (returning handled=false) unless the engine is BUFFERED or RECOVERING. A
// caller that receives handled=false must process text as an ordinary new
// final itself.
func (e *Engine) ArriveNewFinal(ctx context.Context, text string, commit Committer) (handled bool, err error) {
	e.mu.Lock()
	if e.state != StateBuffered && e.state != StateRecovering {
		e.mu.Unlock()
		return false, nil
	}
	bufferedText := e.buffer.Text
	e.mu.Unlock()

	decision := overlap.Merge(bufferedText, text)
	if decision.Kind == overlap.Reject || (bufferedText != "" && text != "" && isNewSegment(bufferedText, text)) {
		// Unrelated: flush the buffer as its own forced-final, then let the
		// caller process text as an ordinary new final.
		if ferr := e.flush(ctx, commit); ferr != nil {
			return true, ferr
		}
		return false, nil
	}

	// Overlapping/extending: prefer a merge of the two texts.
	if decision.Kind != overlap.FullAppend {
		e.mu.Lock()
		e.clearLocked()
		e.mu.Unlock()
		return true, commit(ctx, decision.Text, true)
	}

	// Merge degenerated to a plain append — treat as a failed merge per
	// spec.md: commit the buffer separately, then the new final.
	if ferr := e.flush(ctx, commit); ferr != nil {
		return true, ferr
	}
	return true, commit(ctx, text, false)
}

// isNewSegment applies the "no word overlap, no phrase overlap" test from
// spec.md §4.7 beyond what overlap.Merge's Reject covers (Reject only fires
// when both sides are empty). A full-append decision whose candidate shares
// no word with buffered is still a new segment.
func isNewSegment(buffered, candidate string) bool {
	decision := overlap.Merge(buffered, candidate)
	return decision.Kind == overlap.FullAppend && !shareAnyWord(buffered, candidate)
}

func shareAnyWord(a, b string) bool {
	seen := make(map[string]struct{})
	for _, w := range splitWords(a) {
		seen[w] = struct{}{}
	}
	for _, w := range splitWords(b) {
		if _, ok := seen[w]; ok {
			return true
		}
	}
	return false
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n'
		if isSpace {
			if start >= 0 {
				words = append(words, toLowerASCII(s[start:i]))
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, toLowerASCII(s[start:]))
	}
	return words
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// Flush implements the critical invariant of spec.md §4.7: the buffered
// forced-final is never lost. It commits whatever is currently buffered
// (forced=true) and returns the engine to IDLE, regardless of the current
// state (a no-op in IDLE, where there is nothing buffered).
func (e *Engine) Flush(ctx context.Context, commit Committer) error {
	return e.flush(ctx, commit)
}

func (e *Engine) flush(ctx context.Context, commit Committer) error {
	e.mu.Lock()
	if e.state == StateIdle || e.buffer.Text == "" {
		e.mu.Unlock()
		return nil
	}
	text := e.buffer.Text
	e.mu.Unlock()

	err := commit(ctx, text, true)

	e.mu.Lock()
	e.clearLocked()
	e.mu.Unlock()
	return err
}

func (e *Engine) clearLocked() {
	e.state = StateIdle
	e.buffer = Buffer{}
	e.extendingPartial = ""
}
