package dictation_test

import (
	"context"
	"testing"
	"time"

	"github.com/opendictate/transvox/internal/config"
	"github.com/opendictate/transvox/internal/dictation"
	"github.com/opendictate/transvox/internal/transcript"
	"github.com/opendictate/transvox/pkg/audio"
	"github.com/opendictate/transvox/pkg/provider/llm"
	"github.com/opendictate/transvox/pkg/types"
)

// fakeLLM returns a fixed completion, used to exercise grammar correction
// and translation wiring without a real backend.
type fakeLLM struct {
	content string
	calls   int
	fail    bool
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return &llm.CompletionResponse{Content: f.content}, nil
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (f *fakeLLM) CountTokens(messages []types.Message) (int, error) { return 0, nil }
func (f *fakeLLM) Capabilities() types.ModelCapabilities             { return types.ModelCapabilities{} }

func testTranscriptConfig() config.TranscriptConfig {
	cfg := config.TranscriptConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestNewShared_BuildsLimiterAndQueue(t *testing.T) {
	shared := dictation.NewShared(testTranscriptConfig())
	if shared.Limiter == nil {
		t.Fatal("expected a non-nil rate limiter")
	}
	if shared.Queue == nil {
		t.Fatal("expected a non-nil request queue")
	}
}

func TestLLMBackends_NoFallbacksReturnsPrimary(t *testing.T) {
	primary := &fakeLLM{content: "ok"}
	create := func(e config.ProviderEntry) (llm.Provider, error) { return primary, nil }

	got, err := dictation.LLMBackends(config.ProvidersConfig{LLM: config.ProviderEntry{Name: "openai"}}, create)
	if err != nil {
		t.Fatalf("LLMBackends: %v", err)
	}
	if got != llm.Provider(primary) {
		t.Error("expected the primary provider to be returned unwrapped when there are no fallbacks")
	}
}

func TestLLMBackends_WrapsFallbacksInGroup(t *testing.T) {
	primary := &fakeLLM{content: "ok"}
	fallback := &fakeLLM{content: "ok"}
	entries := map[string]llm.Provider{"primary": primary, "secondary": fallback}
	create := func(e config.ProviderEntry) (llm.Provider, error) { return entries[e.Name], nil }

	got, err := dictation.LLMBackends(config.ProvidersConfig{
		LLM:          config.ProviderEntry{Name: "primary"},
		LLMFallbacks: []config.ProviderEntry{{Name: "secondary"}},
	}, create)
	if err != nil {
		t.Fatalf("LLMBackends: %v", err)
	}
	if got == llm.Provider(primary) {
		t.Error("expected the primary to be wrapped in a fallback group, not returned directly")
	}

	resp, err := got.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Complete content = %q, want %q", resp.Content, "ok")
	}
}

func TestSession_HandleFinalEmitsCommit(t *testing.T) {
	cfg := testTranscriptConfig()
	shared := dictation.NewShared(cfg)
	events := make(chan transcript.Event, 64)

	sess := dictation.New("sess-1", cfg, shared,
		dictation.WithAudioRetention(500*time.Millisecond),
		dictation.WithEmit(func(ev transcript.Event) { events <- ev }),
	)

	sess.WriteAudio(audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1})
	sess.Controller.HandleFinal(context.Background(), "hello world", time.Now())

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == transcript.EventCommit {
				if ev.Commit.Text == "" {
					t.Error("expected non-empty commit text")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a commit event")
		}
	}
}
