package providers

import (
	"context"

	"github.com/antoniostano/levigw/internal/protocol"
)

// STTProvider turns audio frames into transcripts. A nil chunk with a nil
// error means "no transcript for this frame" (silence, partial below
// threshold). Implementations may buffer audio across calls per session.
type STTProvider interface {
	Name() string
	Transcribe(ctx context.Context, frame protocol.AudioFrame) (*protocol.TranscriptionChunk, error)
}

// TranslationProvider translates a transcript. A nil chunk means the
// translator declined (empty input, rate-limited, or failure surfaced as
// skip). Cross-language policy: es transcripts target en, everything else
// targets es.
type TranslationProvider interface {
	Name() string
	Translate(ctx context.Context, transcript protocol.TranscriptionChunk) (*protocol.TranslationChunk, error)
}

// TTSProvider synthesizes translated text into audio.
type TTSProvider interface {
	Name() string
	Synthesize(ctx context.Context, translation protocol.TranslationChunk) (*protocol.TtsChunk, error)
}
