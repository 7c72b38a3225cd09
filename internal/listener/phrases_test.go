package listener

import "testing"

func TestPhraseSet_NormalisesAndDedupes(t *testing.T) {
	p := NewPhraseSet(" Assistant ", "assistant", "", "Hey Assistant")
	got := p.Phrases()
	if len(got) != 2 || got[0] != "assistant" || got[1] != "hey assistant" {
		t.Fatalf("unexpected phrases: %q", got)
	}
	if p.Add("HEY ASSISTANT") {
		t.Fatalf("duplicate should not be added")
	}
}

func TestPhraseSet_FirstMatchByInsertionOrder(t *testing.T) {
	p := NewPhraseSet("assistant", "hey assistant")
	ph, ok := p.Match("Hey assistant, what time is it?")
	if !ok || ph != "assistant" {
		t.Fatalf("expected first inserted phrase, got %q %v", ph, ok)
	}
	if _, ok := p.Match("nothing here"); ok {
		t.Fatalf("unexpected match")
	}
	if _, ok := p.Match("   "); ok {
		t.Fatalf("blank text must not match")
	}
}
