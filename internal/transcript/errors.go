package transcript

import "errors"

// ErrDuplicateCommit names the condition of a commit suppressed as a
// duplicate of a recent forced commit (spec.md §7: DuplicateCommitDetected
// / "Suppress (drop), No (metric)"). The Controller drops such commits
// silently and does not return this error.
var ErrDuplicateCommit = errors.New("transcript: duplicate commit suppressed")

// ErrSessionClosed names the condition of a session that has been closed.
// The Controller has no event loop of its own, and none of its methods
// return this error.
var ErrSessionClosed = errors.New("transcript: session closed")
