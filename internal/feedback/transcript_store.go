// Session usage persistence. Every committed transcript span, and the
// grammar correction that eventually lands for it, is written best-effort
// to Postgres so a later batch job can mine recurring mis-transcription
// patterns per speaker or language pair. This never sits on the commit
// path: TranscriptStore.RecordCommit and RecordGrammarUpdate are called
// from a background goroutine fed by the controller's event stream, and a
// write failure is logged and dropped rather than surfaced to the caller.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/opendictate/transvox/internal/transcript"
	"github.com/opendictate/transvox/pkg/provider/embeddings"
)

const ddlTranscriptCommits = `
CREATE TABLE IF NOT EXISTS transcript_commits (
    commit_id       TEXT         PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    seq             BIGINT       NOT NULL,
    text            TEXT         NOT NULL,
    forced          BOOLEAN      NOT NULL DEFAULT false,
    corrected_text  TEXT         NOT NULL DEFAULT '',
    embedding       vector(%d),
    committed_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    corrected_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transcript_commits_session
    ON transcript_commits (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_commits_embedding
    ON transcript_commits USING hnsw (embedding vector_cosine_ops);
`

// MigrateTranscriptStore creates the transcript_commits table and its
// pgvector index if they do not already exist. embeddingDimensions must
// match the configured embeddings.Provider for the deployment.
func MigrateTranscriptStore(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmt := fmt.Sprintf(ddlTranscriptCommits, embeddingDimensions)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("feedback: migrate transcript store: %w", err)
	}
	return nil
}

// TranscriptStore persists committed transcript text and its eventual
// grammar-corrected form, embedding the corrected text for similarity
// search. A nil embedder disables embedding (the column is left null).
type TranscriptStore struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	log      *slog.Logger
}

// NewTranscriptStore returns a TranscriptStore backed by pool. embedder may
// be nil, in which case commits are stored without an embedding.
func NewTranscriptStore(pool *pgxpool.Pool, embedder embeddings.Provider, log *slog.Logger) *TranscriptStore {
	if log == nil {
		log = slog.Default()
	}
	return &TranscriptStore{pool: pool, embedder: embedder, log: log}
}

// RecordCommit best-effort persists a newly committed transcript span.
// Errors are logged, not returned, since this must never block or fail
// the assembly pipeline that produced the commit.
func (ts *TranscriptStore) RecordCommit(ctx context.Context, sessionID, commitID string, seq uint64, text string, forced bool) {
	const q = `
		INSERT INTO transcript_commits (commit_id, session_id, seq, text, forced, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (commit_id) DO NOTHING`

	if _, err := ts.pool.Exec(ctx, q, commitID, sessionID, seq, text, forced, time.Now().UTC()); err != nil {
		ts.log.Warn("transcript store: record commit failed", "commit_id", commitID, "error", err)
	}
}

// RecordGrammarUpdate best-effort attaches a late grammar correction to its
// commit by id, embedding the corrected text if an embedder is configured.
func (ts *TranscriptStore) RecordGrammarUpdate(ctx context.Context, commitID, corrected string) {
	var vec *pgvector.Vector
	if ts.embedder != nil {
		embedding, err := ts.embedder.Embed(ctx, corrected)
		if err != nil {
			ts.log.Warn("transcript store: embed corrected text failed", "commit_id", commitID, "error", err)
		} else {
			v := pgvector.NewVector(embedding)
			vec = &v
		}
	}

	const q = `
		UPDATE transcript_commits
		SET corrected_text = $2, embedding = $3, corrected_at = $4
		WHERE commit_id = $1`

	if _, err := ts.pool.Exec(ctx, q, commitID, corrected, vec, time.Now().UTC()); err != nil {
		ts.log.Warn("transcript store: record grammar update failed", "commit_id", commitID, "error", err)
	}
}

// EmitHook wraps next (typically Deps.Emit passed to transcript.New) with a
// side effect that records commits and grammar updates. The write runs in
// its own goroutine so a slow or unreachable database never adds latency to
// the emit call, which is itself on the controller's hot path.
func (ts *TranscriptStore) EmitHook(sessionID string, next func(transcript.Event)) func(transcript.Event) {
	return func(ev transcript.Event) {
		next(ev)

		switch ev.Kind {
		case transcript.EventCommit:
			if ev.Commit == nil {
				return
			}
			c := *ev.Commit
			go ts.RecordCommit(context.Background(), sessionID, c.ID, c.Seq, c.Text, c.Forced)
		case transcript.EventGrammarUpdate:
			if ev.GrammarUpdate == nil {
				return
			}
			gu := *ev.GrammarUpdate
			go ts.RecordGrammarUpdate(context.Background(), gu.CommitID, gu.Corrected)
		}
	}
}
