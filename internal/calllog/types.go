package calllog

import "context"

type Kind string

const (
	KindTranscript  Kind = "transcript"
	KindTranslation Kind = "translation"
)

// Entry is one transcript or translation line produced during a call.
type Entry struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	Language  string `json:"language"`
	AtMs      int64  `json:"atMs"`
}

// Store archives pipeline text output for operator debugging. Failures are
// logged by callers and never reach the pipeline.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
