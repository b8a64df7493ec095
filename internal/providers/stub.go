package providers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/levigw/internal/audio"
	"github.com/antoniostano/levigw/internal/protocol"
)

// StubSTT answers every frame with a fixed transcript. With empty text it
// behaves like permanent silence, which is what an unconfigured deployment
// should look like.
type StubSTT struct {
	text     string
	language protocol.LanguageCode
}

func NewStubSTT(text string, language protocol.LanguageCode) *StubSTT {
	if !language.IsValid() {
		language = protocol.LangSpanish
	}
	return &StubSTT{text: strings.TrimSpace(text), language: language}
}

func (p *StubSTT) Name() string { return "stub_stt" }

func (p *StubSTT) Transcribe(_ context.Context, frame protocol.AudioFrame) (*protocol.TranscriptionChunk, error) {
	if p.text == "" {
		return nil, nil
	}
	return &protocol.TranscriptionChunk{
		SessionID:   frame.SessionID,
		Text:        p.text,
		IsFinal:     true,
		Language:    p.language,
		TimestampMs: frame.TimestampMs,
	}, nil
}

// BufferingStubSTT accumulates payload bytes per session and commits a
// transcript every N frames, exercising the "long runs of nil" contract
// downstream code must tolerate.
type BufferingStubSTT struct {
	text        string
	language    protocol.LanguageCode
	commitEvery int

	mu     sync.Mutex
	frames map[string]int
	bytes  map[string]int
}

func NewBufferingStubSTT(text string, language protocol.LanguageCode, commitEvery int) *BufferingStubSTT {
	if !language.IsValid() {
		language = protocol.LangSpanish
	}
	if commitEvery < 1 {
		commitEvery = 4
	}
	return &BufferingStubSTT{
		text:        strings.TrimSpace(text),
		language:    language,
		commitEvery: commitEvery,
		frames:      make(map[string]int),
		bytes:       make(map[string]int),
	}
}

func (p *BufferingStubSTT) Name() string { return "buffering_stub_stt" }

func (p *BufferingStubSTT) Transcribe(_ context.Context, frame protocol.AudioFrame) (*protocol.TranscriptionChunk, error) {
	if p.text == "" {
		return nil, nil
	}
	p.mu.Lock()
	p.frames[frame.SessionID]++
	p.bytes[frame.SessionID] += len(frame.Payload)
	commit := p.frames[frame.SessionID]%p.commitEvery == 0
	p.mu.Unlock()

	if !commit {
		return nil, nil
	}
	return &protocol.TranscriptionChunk{
		SessionID:   frame.SessionID,
		Text:        p.text,
		IsFinal:     true,
		Language:    p.language,
		TimestampMs: frame.TimestampMs,
	}, nil
}

// Forget drops buffered state for an ended session.
func (p *BufferingStubSTT) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frames, sessionID)
	delete(p.bytes, sessionID)
}

// StaticTranslator maps a handful of common phrases and passes everything
// else through untouched, applying the cross-language policy for the target.
type StaticTranslator struct{}

func NewStaticTranslator() *StaticTranslator { return &StaticTranslator{} }

func (p *StaticTranslator) Name() string { return "static_mt" }

var esToEn = map[string]string{
	"hola":           "hello",
	"buenos dias":    "good morning",
	"buenas tardes":  "good afternoon",
	"gracias":        "thank you",
	"adios":          "goodbye",
	"si":             "yes",
	"no":             "no",
	"un momento":     "one moment",
	"no entiendo":    "I do not understand",
	"habla despacio": "speak slowly",
}

var enToEs = func() map[string]string {
	m := make(map[string]string, len(esToEn))
	for es, en := range esToEn {
		m[strings.ToLower(en)] = es
	}
	return m
}()

func (p *StaticTranslator) Translate(_ context.Context, transcript protocol.TranscriptionChunk) (*protocol.TranslationChunk, error) {
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return nil, nil
	}

	target := transcript.Language.TargetFor()
	table := enToEs
	if transcript.Language == protocol.LangSpanish {
		table = esToEn
	}
	translated, ok := table[strings.ToLower(text)]
	if !ok {
		translated = text
	}

	return &protocol.TranslationChunk{
		SessionID:      transcript.SessionID,
		Text:           translated,
		SourceLanguage: transcript.Language,
		TargetLanguage: target,
		TimestampMs:    transcript.TimestampMs,
	}, nil
}

// SilentTTS emits short silent PCM16 payloads sized to the text, enough for
// smoke tests without cloud credentials.
type SilentTTS struct {
	sampleRate int
}

func NewSilentTTS() *SilentTTS { return &SilentTTS{sampleRate: 16000} }

func (p *SilentTTS) Name() string { return "silent_tts" }

func (p *SilentTTS) Synthesize(_ context.Context, translation protocol.TranslationChunk) (*protocol.TtsChunk, error) {
	text := strings.TrimSpace(translation.Text)
	if text == "" {
		return nil, nil
	}
	// Roughly 60ms of audio per word keeps payload sizes plausible.
	words := len(strings.Fields(text))
	d := time.Duration(words) * 60 * time.Millisecond
	return &protocol.TtsChunk{
		SessionID:    translation.SessionID,
		Encoding:     protocol.EncodingPCM16,
		SampleRateHz: p.sampleRate,
		Payload:      audio.SilencePCM16(p.sampleRate, d),
		TimestampMs:  translation.TimestampMs,
	}, nil
}
