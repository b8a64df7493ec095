package protocol

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionState
		want     bool
	}{
		{StatePending, StateActive, true},
		{StatePending, StateEnded, true},
		{StatePending, StateFailed, true},
		{StateActive, StateEnded, true},
		{StateActive, StateFailed, true},
		{StateActive, StatePending, false},
		{StateEnded, StateActive, false},
		{StateEnded, StateEnded, false},
		{StateFailed, StateEnded, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestLanguageTargetFor(t *testing.T) {
	if got := LangSpanish.TargetFor(); got != LangEnglish {
		t.Fatalf("TargetFor(es) = %q, want en", got)
	}
	if got := LangEnglish.TargetFor(); got != LangSpanish {
		t.Fatalf("TargetFor(en) = %q, want es", got)
	}
}

func TestEnumValidity(t *testing.T) {
	if !SourceSIPBridge.IsValid() || !SourceWebhookStream.IsValid() {
		t.Fatal("declared sources should be valid")
	}
	if IngressSource("pstn").IsValid() {
		t.Fatal("unknown source should be invalid")
	}
	if SessionMode("loud").IsValid() {
		t.Fatal("unknown mode should be invalid")
	}
	if AudioEncoding("opus").IsValid() {
		t.Fatal("unknown encoding should be invalid")
	}
}
