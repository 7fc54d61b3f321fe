// Package llmtext implements the grammar-correction and translation
// adapters the Assembly Controller treats as opaque text-to-text
// transforms: a [GrammarCorrector] fixes disfluencies and punctuation in a
// committed segment, and a [Translator] renders it into a target language.
// Both run exclusively off the real-time path, behind the Request Queue and
// Rate Limiter, so the 100ms+ LLM round trip never blocks a commit.
//
// When the backing [llm.Provider] returns an empty or echoed response, both
// adapters fall back to the original text with a nil error. When the
// provider errs or times out, [GrammarCorrector] returns the original text
// with a nil error, while [Translator] returns the original text together
// with the wrapped error. Either way the caller holds usable text:
// grammar/translation failures must never block or retract a commit.
package llmtext

import (
	"context"
	"fmt"
	"strings"

	"github.com/opendictate/transvox/pkg/provider/llm"
	"github.com/opendictate/transvox/pkg/types"
)

const (
	defaultGrammarTemperature     = 0.1
	defaultTranslationTemperature = 0.2
)

const grammarSystemPrompt = `You are a transcript grammar correction assistant for live dictation.

Your task: lightly correct grammar, punctuation, and obvious disfluencies in the
provided transcript segment without changing its meaning or wording choices.

Rules:
- Fix punctuation, capitalization, and clear grammatical errors only.
- Do NOT paraphrase, summarize, or remove content.
- Do NOT add words that were not implied by the input.
- If the segment is already well-formed, return it unchanged.

Respond with ONLY the corrected segment text. No markdown, no quotes, no commentary.`

const translationSystemPromptTemplate = `You are a real-time translation assistant for live dictation.

Translate the provided transcript segment into %s. Preserve meaning and register;
do not add commentary, explanations, or quotation marks around the result.

Respond with ONLY the translated text.`

// GrammarCorrector lightly corrects a committed or in-flight transcript
// segment. It is the interface transcript.Controller depends on.
type GrammarCorrector struct {
	llm         llm.Provider
	temperature float64
}

// NewGrammarCorrector returns a [GrammarCorrector] backed by provider.
func NewGrammarCorrector(provider llm.Provider) *GrammarCorrector {
	return &GrammarCorrector{llm: provider, temperature: defaultGrammarTemperature}
}

// Correct implements transcript.GrammarCorrector. On any failure — transport
// error, cancellation, or an empty/echoed response — it returns text
// unchanged and a nil error; callers should not treat a no-op correction as
// failure of the pipeline.
func (g *GrammarCorrector) Correct(ctx context.Context, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text, nil
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: grammarSystemPrompt,
		Temperature:  g.temperature,
		Messages:     []types.Message{{Role: "user", Content: trimmed}},
	})
	if err != nil {
		return text, nil //nolint:nilerr // grammar failures fall back to the original text
	}

	corrected := stripWrapping(resp.Content)
	if corrected == "" || isEcho(corrected, trimmed) {
		return text, nil
	}
	return corrected, nil
}

// Translator renders a transcript segment into a target language.
type Translator struct {
	llm         llm.Provider
	temperature float64
}

// NewTranslator returns a [Translator] backed by provider.
func NewTranslator(provider llm.Provider) *Translator {
	return &Translator{llm: provider, temperature: defaultTranslationTemperature}
}

// Translate implements transcript.Translator. On an empty or echoed response
// it returns text unchanged with a nil error (the spec's
// EmptyOrEchoedTranslation handling). On a provider error it returns text
// unchanged together with the wrapped error, so a caller can fall back to
// the original without surfacing an error on the commit path.
func (tr *Translator) Translate(ctx context.Context, text, lang string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || lang == "" {
		return text, nil
	}

	sysPrompt := fmt.Sprintf(translationSystemPromptTemplate, lang)
	resp, err := tr.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sysPrompt,
		Temperature:  tr.temperature,
		Messages:     []types.Message{{Role: "user", Content: trimmed}},
	})
	if err != nil {
		return text, fmt.Errorf("llmtext: translate: %w", err)
	}

	translated := stripWrapping(resp.Content)
	if translated == "" || isEcho(translated, trimmed) {
		return text, nil
	}
	return translated, nil
}

// stripWrapping removes markdown code fences and surrounding quotes some
// models add around a plain-text response.
func stripWrapping(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```text", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = strings.TrimSpace(after)
			break
		}
	}
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

// isEcho reports whether result is just the input echoed back verbatim,
// case- and space-insensitively. The caller still accepts a genuinely
// unchanged correction (the "already well-formed" case); this only guards
// against the quoted-response case where comparison needs normalization.
func isEcho(result, input string) bool {
	return foldSpace(result) == foldSpace(input)
}

func foldSpace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
