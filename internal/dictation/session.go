// Package dictation wires one live dictation/translation session: a
// transcript.Controller plus its provider-backed collaborators (grammar
// correction, translation, rate limiting, the request queue, RTT tracking,
// forced-commit recovery) and the process-wide shared state two sessions
// must not duplicate (the rate limiter, the request queue).
//
// Session construction mirrors internal/app's functional-option style:
// New builds the session's collaborators from the transcript config and the
// process-wide Shared state; provider-backed collaborators (grammar
// correction, translation, persistence) are supplied through Options.
package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opendictate/transvox/internal/config"
	"github.com/opendictate/transvox/internal/feedback"
	"github.com/opendictate/transvox/internal/resilience"
	"github.com/opendictate/transvox/internal/transcript"
	"github.com/opendictate/transvox/internal/transcript/dedup"
	"github.com/opendictate/transvox/internal/transcript/forcedcommit"
	"github.com/opendictate/transvox/internal/transcript/ratelimit"
	"github.com/opendictate/transvox/internal/transcript/reqqueue"
	"github.com/opendictate/transvox/internal/transcript/rtt"
	"github.com/opendictate/transvox/pkg/audio"
	"github.com/opendictate/transvox/pkg/provider/llm"
)

// Shared holds the process-wide collaborators every session in a process
// must funnel through: one rate limiter and one request queue per process,
// per spec.md §5's "shared across sessions" requirement.
type Shared struct {
	Limiter *ratelimit.Limiter
	Queue   *reqqueue.Queue
}

// NewShared builds the process-wide rate limiter and request queue from
// the transcript configuration block.
func NewShared(cfg config.TranscriptConfig) *Shared {
	limiter := ratelimit.New(ratelimit.Config{
		RPM:          cfg.RateLimit.RPM,
		TPM:          cfg.RateLimit.TPM,
		MaxRetries:   cfg.RateLimit.MaxRetries,
		BaseDelay:    time.Duration(cfg.RateLimit.BaseDelayMS) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.RateLimit.MaxDelayMS) * time.Millisecond,
		DailyEnabled: cfg.RateLimit.DailyEnabled,
	})
	queue := reqqueue.New(reqqueue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MinInterval:   time.Duration(cfg.Queue.MinIntervalMS) * time.Millisecond,
	}, limiter)
	return &Shared{Limiter: limiter, Queue: queue}
}

// LLMBackends resolves the primary plus fallback LLM providers for a
// config.ProvidersConfig, wrapping them in an [resilience.LLMFallback] when
// at least one fallback is configured. create is the registry lookup
// (typically (*config.Registry).CreateLLM).
func LLMBackends(providers config.ProvidersConfig, create func(config.ProviderEntry) (llm.Provider, error)) (llm.Provider, error) {
	primary, err := create(providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("dictation: primary llm backend %q: %w", providers.LLM.Name, err)
	}
	if len(providers.LLMFallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewLLMFallback(primary, providers.LLM.Name, resilience.FallbackConfig{})
	for _, entry := range providers.LLMFallbacks {
		fb, err := create(entry)
		if err != nil {
			return nil, fmt.Errorf("dictation: fallback llm backend %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, fb)
	}
	return group, nil
}

// Session owns a single dictation session's Controller and the ring buffer
// feeding its forced-commit recovery.
type Session struct {
	ID         string
	Controller *transcript.Controller
	Audio      *audio.RingBuffer
}

// Option customises session construction.
type Option func(*sessionOpts)

type sessionOpts struct {
	grammar     transcript.GrammarCorrector
	translator  transcript.Translator
	targetLang  string
	store       *feedback.TranscriptStore
	audioRetain time.Duration
	logger      *slog.Logger
	emit        func(transcript.Event)
}

// WithGrammarCorrector overrides the grammar-correction backend.
func WithGrammarCorrector(g transcript.GrammarCorrector) Option {
	return func(o *sessionOpts) { o.grammar = g }
}

// WithTranslator overrides the translation backend and target language.
func WithTranslator(t transcript.Translator, targetLang string) Option {
	return func(o *sessionOpts) { o.translator = t; o.targetLang = targetLang }
}

// WithTranscriptStore attaches session-usage persistence; every commit and
// grammar update is mirrored to Postgres via the store's EmitHook.
func WithTranscriptStore(s *feedback.TranscriptStore) Option {
	return func(o *sessionOpts) { o.store = s }
}

// WithAudioRetention overrides the ring buffer's retained PCM window.
func WithAudioRetention(d time.Duration) Option {
	return func(o *sessionOpts) { o.audioRetain = d }
}

// WithLogger overrides the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOpts) { o.logger = l }
}

// WithEmit installs the base output-event sink (e.g. a websocket frame
// writer). A TranscriptStore set via WithTranscriptStore wraps this sink
// rather than replacing it.
func WithEmit(emit func(transcript.Event)) Option {
	return func(o *sessionOpts) { o.emit = emit }
}

// New constructs one dictation Session. shared must be built once per
// process via NewShared and reused across every session.
func New(sessionID string, cfg config.TranscriptConfig, shared *Shared, opts ...Option) *Session {
	o := &sessionOpts{audioRetain: 2200 * time.Millisecond}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	ring := audio.NewRingBuffer(16000, 1, o.audioRetain)

	emit := o.emit
	if emit == nil {
		emit = func(transcript.Event) {}
	}
	if o.store != nil {
		emit = o.store.EmitHook(sessionID, emit)
	}

	ctrl := transcript.New(
		transcript.Config{
			ThrottleMS:  time.Duration(cfg.Throttle.PartialMS) * time.Millisecond,
			GrowthChars: int(cfg.Throttle.GrowthChars),

			PartialDedupWords: int(cfg.Dedup.PartialWords),
			FinalDedupWords:   int(cfg.Dedup.FinalWords),

			RecentCommitWindow: time.Duration(cfg.Dedup.WindowMS) * time.Millisecond,
		},
		transcript.Deps{
			SessionID: sessionID,
			Limiter:   shared.Limiter,
			Queue:     shared.Queue,
			RTT: rtt.New(rtt.Config{
				Samples:        int(cfg.RTT.Samples),
				LookaheadMin:   time.Duration(cfg.RTT.LookaheadMinMS) * time.Millisecond,
				LookaheadMax:   time.Duration(cfg.RTT.LookaheadMaxMS) * time.Millisecond,
				LookaheadEmpty: time.Duration(cfg.RTT.LookaheadDefMS) * time.Millisecond,
			}),
			Grammar:    o.grammar,
			Translator: o.translator,
			TargetLang: o.targetLang,
			ForcedCommit: forcedcommit.Config{
				CaptureWindow:   time.Duration(cfg.ForcedCommit.CaptureWindowMS) * time.Millisecond,
				RecoveryTimeout: time.Duration(cfg.ForcedCommit.RecoveryTimeoutMS) * time.Millisecond,
				StreamReadyPoll: time.Duration(cfg.ForcedCommit.StreamReadyPollMS) * time.Millisecond,
				StreamReadyMax:  time.Duration(cfg.ForcedCommit.StreamReadyMaxMS) * time.Millisecond,
			},
			Emit:   emit,
			Logger: o.logger,
		},
	)

	return &Session{ID: sessionID, Controller: ctrl, Audio: ring}
}

// RecentAudio returns the session's last window of PCM, for use as a
// forcedcommit.AudioSource when beginning recovery.
func (s *Session) RecentAudio(window time.Duration) []byte {
	return s.Audio.Recent(window)
}

// WriteAudio feeds one captured frame into the session's ring buffer.
func (s *Session) WriteAudio(frame audio.AudioFrame) {
	s.Audio.Write(frame)
}

// BeginForcedRecovery starts forced-commit recovery using the session's own
// ring buffer as the audio source.
func (s *Session) BeginForcedRecovery(ctx context.Context, factory forcedcommit.RecognizerFactory) forcedcommit.Result {
	return s.Controller.BeginForcedRecovery(ctx, s.RecentAudio, factory)
}
