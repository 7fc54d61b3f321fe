package llmtext_test

import (
	"context"
	"errors"
	"testing"

	"github.com/opendictate/transvox/internal/transcript/llmtext"
	llm "github.com/opendictate/transvox/pkg/provider/llm"
	"github.com/opendictate/transvox/pkg/provider/llm/mock"
)

func TestGrammarCorrector_ReturnsCorrectedText(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "We are going to the store."},
	}
	c := llmtext.NewGrammarCorrector(provider)

	got, err := c.Correct(context.Background(), "we going to the store")
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if got != "We are going to the store." {
		t.Errorf("Correct() = %q, want corrected text", got)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(provider.CompleteCalls))
	}
	if provider.CompleteCalls[0].Req.Messages[0].Content != "we going to the store" {
		t.Errorf("request did not carry the original text")
	}
}

func TestGrammarCorrector_FallsBackOnProviderError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{CompleteErr: errors.New("backend unavailable")}
	c := llmtext.NewGrammarCorrector(provider)

	got, err := c.Correct(context.Background(), "original text here")
	if err != nil {
		t.Fatalf("Correct() error = %v, want nil (graceful fallback)", err)
	}
	if got != "original text here" {
		t.Errorf("Correct() = %q, want original text unchanged on error", got)
	}
}

func TestGrammarCorrector_FallsBackOnEchoedResponse(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `"original text here"`},
	}
	c := llmtext.NewGrammarCorrector(provider)

	got, err := c.Correct(context.Background(), "original text here")
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if got != "original text here" {
		t.Errorf("Correct() = %q, want original text when response only echoes input", got)
	}
}

func TestGrammarCorrector_EmptyInputSkipsCall(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	c := llmtext.NewGrammarCorrector(provider)

	got, err := c.Correct(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Correct() error = %v", err)
	}
	if got != "   " {
		t.Errorf("Correct() = %q, want input returned unchanged", got)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("expected no Complete call for blank input")
	}
}

func TestTranslator_ReturnsTranslatedText(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Bonjour le monde"},
	}
	tr := llmtext.NewTranslator(provider)

	got, err := tr.Translate(context.Background(), "Hello world", "French")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got != "Bonjour le monde" {
		t.Errorf("Translate() = %q, want translated text", got)
	}
	if provider.CompleteCalls[0].Req.SystemPrompt == "" {
		t.Error("expected a non-empty system prompt naming the target language")
	}
}

func TestTranslator_FallsBackOnProviderError(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{CompleteErr: errors.New("backend unavailable")}
	tr := llmtext.NewTranslator(provider)

	got, err := tr.Translate(context.Background(), "Hello world", "French")
	if err == nil {
		t.Fatal("Translate() error = nil, want a non-nil error on transport failure")
	}
	if got != "Hello world" {
		t.Errorf("Translate() = %q, want original text returned alongside the error", got)
	}
}

func TestTranslator_FallsBackOnEmptyLanguage(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	tr := llmtext.NewTranslator(provider)

	got, err := tr.Translate(context.Background(), "Hello world", "")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if got != "Hello world" {
		t.Errorf("Translate() = %q, want input unchanged when no target language is set", got)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("expected no Complete call with an empty target language")
	}
}
