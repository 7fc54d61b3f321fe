package recognizer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opendictate/transvox/pkg/provider/recognizer"
	sttmock "github.com/opendictate/transvox/pkg/provider/stt/mock"
	"github.com/opendictate/transvox/pkg/types"
)

func TestFactory_OpensStreamWithConfig(t *testing.T) {
	t.Parallel()

	session := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	provider := &sttmock.Provider{Session: session}
	factory := recognizer.NewFactory(provider, recognizer.Config{SampleRate: 16000, Channels: 1, Language: "en-US"})

	rec, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	defer rec.Close()

	if len(provider.StartStreamCalls) != 1 {
		t.Fatalf("StartStream called %d times, want 1", len(provider.StartStreamCalls))
	}
	cfg := provider.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.Language != "en-US" {
		t.Errorf("StreamConfig = %+v, want the factory's Config values", cfg)
	}
}

func TestFactory_PropagatesStartStreamError(t *testing.T) {
	t.Parallel()

	provider := &sttmock.Provider{StartStreamErr: errTest}
	factory := recognizer.NewFactory(provider, recognizer.Config{})

	if _, err := factory(context.Background()); err == nil {
		t.Fatal("factory() error = nil, want non-nil on StartStream failure")
	}
}

func TestSessionAdapter_ForwardsTextOnly(t *testing.T) {
	t.Parallel()

	session := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
	}
	provider := &sttmock.Provider{Session: session}
	factory := recognizer.NewFactory(provider, recognizer.Config{})

	rec, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	defer rec.Close()

	session.PartialsCh <- types.Transcript{Text: "hello wor"}
	session.FinalsCh <- types.Transcript{Text: "hello world"}

	select {
	case p := <-rec.Partials():
		if p != "hello wor" {
			t.Errorf("partial = %q, want %q", p, "hello wor")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a partial")
	}

	select {
	case f := <-rec.Finals():
		if f != "hello world" {
			t.Errorf("final = %q, want %q", f, "hello world")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a final")
	}
}

func TestSessionAdapter_SendAudioDelegatesToHandle(t *testing.T) {
	t.Parallel()

	session := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
	}
	provider := &sttmock.Provider{Session: session}
	factory := recognizer.NewFactory(provider, recognizer.Config{})

	rec, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	defer rec.Close()

	if err := rec.SendAudio([]byte("pcm")); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if session.SendAudioCallCount() != 1 {
		t.Errorf("SendAudio delegated %d times, want 1", session.SendAudioCallCount())
	}
}

func TestSessionAdapter_CloseIsIdempotentAndClosesHandle(t *testing.T) {
	t.Parallel()

	session := &sttmock.Session{
		PartialsCh: make(chan types.Transcript),
		FinalsCh:   make(chan types.Transcript),
	}
	provider := &sttmock.Provider{Session: session}
	factory := recognizer.NewFactory(provider, recognizer.Config{})

	rec, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close() error = %v, want nil", err)
	}
	if session.CloseCallCount < 1 {
		t.Error("expected the underlying session handle to be closed")
	}
}

var errTest = errors.New("start stream failed")
