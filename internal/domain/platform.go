package domain

import "context"

// Peer is a chat as reported by the platform client
type Peer struct {
	ID       int64
	Title    string
	Kind     TargetKind
	Username string
}

// Platform is the remote messaging API. Implementations report flood control
// with *RateLimitedError and retryable I/O failures wrapped in ErrTransientNetwork.
type Platform interface {
	// ResolvePeer locates a chat; it wraps ErrUnresolvedTarget when nothing matches
	ResolvePeer(ctx context.Context, ref Reference) (Peer, error)

	// Dialogs lists up to limit recent chats
	Dialogs(ctx context.Context, limit int) ([]Peer, error)

	// History returns up to limit messages with an id greater than afterID in
	// ascending id order. An empty slice means the history is exhausted.
	History(ctx context.Context, peer Target, afterID int64, limit int) ([]MessageRecord, error)

	// Download stores one attachment at destPath
	Download(ctx context.Context, peer Target, messageID int64, media MediaRef, destPath string) error
}

// Optimizer re-encodes a downloaded file. Implementations must be safe to run
// in parallel and must not share state between calls.
type Optimizer interface {
	Optimize(ctx context.Context, src, dst string, profile OptimizeProfile) error
}

// NoteWriter turns a processed message into an archive note
type NoteWriter interface {
	// WriteNote returns the path of the note it wrote
	WriteNote(ctx context.Context, target Target, msg MessageRecord, mediaPaths []string) (string, error)
}

// Selector lets the user pick targets from a candidate list
type Selector interface {
	Select(ctx context.Context, candidates []Peer) ([]Peer, error)
}
