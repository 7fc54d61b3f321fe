// Package recognizer defines the thin interface the transcript assembly
// engine uses to consume an upstream speech recognizer, plus an adapter
// that lets a transient recognition session stand in for
// forcedcommit.Recognizer during forced-final recovery.
//
// The engine never talks to a concrete speech model directly: recognition
// itself is an explicit external collaborator (spec.md §1), reached only
// through this interface and the existing pkg/provider/stt.Provider
// backend (Deepgram).
package recognizer

import (
	"context"
	"fmt"

	"github.com/opendictate/transvox/internal/transcript/forcedcommit"
	"github.com/opendictate/transvox/pkg/provider/stt"
	"github.com/opendictate/transvox/pkg/types"
)

// Provider opens streaming recognition sessions for a live dictation
// session. It is satisfied by any pkg/provider/stt.Provider.
type Provider interface {
	StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error)
}

// Config carries the audio format and language the factory should request
// when it opens a transient recovery session.
type Config struct {
	SampleRate int
	Channels   int
	Language   string
}

// NewFactory returns a forcedcommit.RecognizerFactory that opens a brand
// new, short-lived streaming session against provider each time recovery
// needs one. Each call produces an independent session so a stuck or slow
// recapture never pins the long-lived session's own stream.
func NewFactory(provider Provider, cfg Config) forcedcommit.RecognizerFactory {
	return func(ctx context.Context) (forcedcommit.Recognizer, error) {
		handle, err := provider.StartStream(ctx, stt.StreamConfig{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Language:   cfg.Language,
		})
		if err != nil {
			return nil, fmt.Errorf("recognizer: start transient recovery stream: %w", err)
		}
		return newSessionAdapter(handle), nil
	}
}

// sessionAdapter narrows a stt.SessionHandle (which speaks pkg/types.Transcript)
// down to forcedcommit.Recognizer's plain-text channel contract.
type sessionAdapter struct {
	handle   stt.SessionHandle
	partials chan string
	finals   chan string
	done     chan struct{}
}

func newSessionAdapter(handle stt.SessionHandle) *sessionAdapter {
	s := &sessionAdapter{
		handle:   handle,
		partials: make(chan string),
		finals:   make(chan string),
		done:     make(chan struct{}),
	}
	go s.pump(handle.Partials(), s.partials)
	go s.pump(handle.Finals(), s.finals)
	return s
}

func (s *sessionAdapter) pump(in <-chan types.Transcript, out chan<- string) {
	defer close(out)
	for {
		select {
		case t, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- t.Text:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *sessionAdapter) SendAudio(chunk []byte) error { return s.handle.SendAudio(chunk) }

// CloseSend signals that no more audio will arrive for this transient
// session. stt.SessionHandle has no half-close primitive (providers like
// Deepgram only support a full stream close), so this is a no-op: the
// caller bounds its wait with its own recovery timeout and always calls
// Close when done.
func (s *sessionAdapter) CloseSend() error { return nil }

func (s *sessionAdapter) Partials() <-chan string { return s.partials }
func (s *sessionAdapter) Finals() <-chan string   { return s.finals }

func (s *sessionAdapter) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.handle.Close()
}

var _ forcedcommit.Recognizer = (*sessionAdapter)(nil)
