package feedback_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opendictate/transvox/internal/feedback"
	"github.com/opendictate/transvox/internal/transcript"
)

const testEmbeddingDim = 4

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GLYPHOXA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GLYPHOXA_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestTranscriptStore(t *testing.T, embedder *fakeEmbedder) (*feedback.TranscriptStore, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS transcript_commits CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	if err := feedback.MigrateTranscriptStore(ctx, pool, testEmbeddingDim); err != nil {
		t.Fatalf("MigrateTranscriptStore: %v", err)
	}

	var store *feedback.TranscriptStore
	if embedder != nil {
		store = feedback.NewTranscriptStore(pool, embedder, slog.Default())
	} else {
		store = feedback.NewTranscriptStore(pool, nil, slog.Default())
	}
	return store, pool
}

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	for i := range v {
		v[i] = float32(len(text)) / float32(i+1)
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }
func (f *fakeEmbedder) ModelID() string { return "fake-embedder" }

func TestTranscriptStore_RecordCommitThenGrammarUpdate(t *testing.T) {
	store, pool := newTestTranscriptStore(t, &fakeEmbedder{dim: testEmbeddingDim})
	ctx := context.Background()

	store.RecordCommit(ctx, "sess-1", "commit-1", 1, "the qick brown fox", false)

	var text string
	var forced bool
	if err := pool.QueryRow(ctx, "SELECT text, forced FROM transcript_commits WHERE commit_id = $1", "commit-1").
		Scan(&text, &forced); err != nil {
		t.Fatalf("query commit: %v", err)
	}
	if text != "the qick brown fox" || forced {
		t.Errorf("got text=%q forced=%v", text, forced)
	}

	store.RecordGrammarUpdate(ctx, "commit-1", "the quick brown fox")

	var corrected string
	var correctedAt *time.Time
	if err := pool.QueryRow(ctx, "SELECT corrected_text, corrected_at FROM transcript_commits WHERE commit_id = $1", "commit-1").
		Scan(&corrected, &correctedAt); err != nil {
		t.Fatalf("query corrected: %v", err)
	}
	if corrected != "the quick brown fox" {
		t.Errorf("corrected_text = %q, want %q", corrected, "the quick brown fox")
	}
	if correctedAt == nil {
		t.Error("expected corrected_at to be set")
	}
}

func TestTranscriptStore_RecordCommitIsIdempotent(t *testing.T) {
	store, pool := newTestTranscriptStore(t, nil)
	ctx := context.Background()

	store.RecordCommit(ctx, "sess-1", "commit-1", 1, "first text", false)
	store.RecordCommit(ctx, "sess-1", "commit-1", 1, "different text", true)

	var text string
	if err := pool.QueryRow(ctx, "SELECT text FROM transcript_commits WHERE commit_id = $1", "commit-1").
		Scan(&text); err != nil {
		t.Fatalf("query commit: %v", err)
	}
	if text != "first text" {
		t.Errorf("expected first insert to win under ON CONFLICT DO NOTHING, got %q", text)
	}
}

func TestTranscriptStore_EmitHookForwardsAndPersists(t *testing.T) {
	store, pool := newTestTranscriptStore(t, nil)
	ctx := context.Background()

	var forwarded []transcript.Event
	hook := store.EmitHook("sess-1", func(ev transcript.Event) {
		forwarded = append(forwarded, ev)
	})

	hook(transcript.Event{
		Kind:   transcript.EventCommit,
		Commit: &transcript.CommitEvent{ID: "commit-2", Text: "hello world", Seq: 1},
	})

	if len(forwarded) != 1 {
		t.Fatalf("expected the event to be forwarded to next, got %d", len(forwarded))
	}

	// The Postgres write happens in a goroutine; poll briefly for it to land.
	deadline := time.Now().Add(2 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		err := pool.QueryRow(ctx, "SELECT text FROM transcript_commits WHERE commit_id = $1", "commit-2").Scan(&text)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if text != "hello world" {
		t.Errorf("expected async write to land, got text=%q", text)
	}
}
