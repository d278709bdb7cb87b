// Package phonemize supplies the narrow text-to-phoneme collaborator spec.md
// treats as opaque ("phonemize(text) → phonemes ... with its own cache"),
// plus a deterministic in-memory implementation so the HTTP speech handler
// has a real collaborator to call.
package phonemize

import "sync"

// cacheCap bounds the in-memory phoneme cache, mirroring
// internal/workload's complexityCache FIFO-eviction shape.
const cacheCap = 5000

// Phonemizer converts text into a phoneme sequence. Implementations are
// expected to be safe for concurrent use.
type Phonemizer interface {
	Phonemize(voice, text string) []string

	// Clear drops every cached entry, for POST /performance/clear_cache.
	Clear()
}

// graphemeBucketPhonemizer is a deterministic heuristic: it buckets runes
// into one of a fixed phoneme alphabet by rune value, so the same input
// always yields the same output without modeling real linguistics.
type graphemeBucketPhonemizer struct {
	cache *phonemeCache
}

// New returns a Phonemizer backed by the grapheme-bucket heuristic and an
// in-memory cache keyed on (voice, text).
func New() Phonemizer {
	return &graphemeBucketPhonemizer{cache: newPhonemeCache(cacheCap)}
}

// phonemeAlphabet is the fixed bucket alphabet the heuristic maps runes
// into: a rune's symbol is its code point modulo the alphabet size, so
// vowels, consonants, digits, and punctuation share one symbol set.
var phonemeAlphabet = [...]string{
	"AA", "AE", "AH", "EH", "IY", "OW", "UW",
	"B", "D", "K", "M", "N", "P", "R", "S", "T",
}

func (g *graphemeBucketPhonemizer) Phonemize(voice, text string) []string {
	key := voice + "\x00" + text
	if cached, ok := g.cache.get(key); ok {
		return cached
	}

	phonemes := bucketize(text)
	g.cache.put(key, phonemes)
	return phonemes
}

func (g *graphemeBucketPhonemizer) Clear() {
	g.cache.clear()
}

// bucketize maps each rune of text onto phonemeAlphabet by a cheap,
// deterministic hash, skipping whitespace.
func bucketize(text string) []string {
	out := make([]string, 0, len(text))
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			continue
		}
		idx := int(r) % len(phonemeAlphabet)
		out = append(out, phonemeAlphabet[idx])
	}
	return out
}

// phonemeCache is a small FIFO-eviction cache, matching the shape of
// internal/workload's complexityCache.
type phonemeCache struct {
	mu      sync.Mutex
	entries map[string][]string
	order   []string
	cap     int
}

func newPhonemeCache(capacity int) *phonemeCache {
	return &phonemeCache{
		entries: make(map[string][]string),
		cap:     capacity,
	}
}

func (c *phonemeCache) get(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *phonemeCache) put(key string, value []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = value
	c.order = append(c.order, key)
}

func (c *phonemeCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]string)
	c.order = nil
}
