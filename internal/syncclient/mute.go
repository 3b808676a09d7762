package syncclient

import "sync"

// MuteRegistry is a reference-counted per-id gate. Reference counting is
// required because the conflict resolver mutes the copy id and the
// original id concurrently, and their mute windows can outlast one
// another.
type MuteRegistry struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMuteRegistry() *MuteRegistry {
	return &MuteRegistry{counts: map[string]int{}}
}

func (m *MuteRegistry) IsMuted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[id] > 0
}

func (m *MuteRegistry) enter(id string) {
	m.mu.Lock()
	m.counts[id]++
	m.mu.Unlock()
}

func (m *MuteRegistry) exit(id string) {
	m.mu.Lock()
	m.counts[id]--
	if m.counts[id] <= 0 {
		delete(m.counts, id)
	}
	m.mu.Unlock()
}

// WithMuted runs fn with id muted, decrementing even if fn panics.
func (m *MuteRegistry) WithMuted(id string, fn func()) {
	m.enter(id)
	defer m.exit(id)
	fn()
}
