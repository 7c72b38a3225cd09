package listener

import (
	"strings"
	"sync"
)

// PhraseSet is an ordered set of normalised trigger phrases.
type PhraseSet struct {
	mu      sync.RWMutex
	phrases []string
}

func NewPhraseSet(phrases ...string) *PhraseSet {
	p := &PhraseSet{}
	for _, ph := range phrases {
		p.Add(ph)
	}
	return p
}

// Add appends phrase after normalising it. Blank or duplicate phrases are ignored.
func (p *PhraseSet) Add(phrase string) bool {
	n := normalize(phrase)
	if n == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.phrases {
		if existing == n {
			return false
		}
	}
	p.phrases = append(p.phrases, n)
	return true
}

// Match returns the first phrase, in insertion order, contained in text.
func (p *PhraseSet) Match(text string) (string, bool) {
	t := normalize(text)
	if t == "" {
		return "", false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ph := range p.phrases {
		if strings.Contains(t, ph) {
			return ph, true
		}
	}
	return "", false
}

func (p *PhraseSet) Phrases() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.phrases...)
}

func (p *PhraseSet) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.phrases)
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
