// Package channels tracks which conversation channels the client is joined
// to. The registry is the single source of truth for what must be re-joined
// after a transport-level reconnect.
package channels

import "sync"

type Registry struct {
	mu     sync.Mutex
	joined map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{joined: make(map[string]bool)}
}

// Join records membership of channelID. Returns false when the channel was
// already joined, so callers can skip emitting a duplicate join frame.
func (r *Registry) Join(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined[channelID] {
		return false
	}
	r.joined[channelID] = true
	return true
}

// Leave removes membership. Leaving an unjoined channel is a no-op.
func (r *Registry) Leave(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.joined, channelID)
}

// Joined reports whether channelID is currently a member. Events arriving for
// channels this returns false for must be ignored.
func (r *Registry) Joined(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[channelID]
}

// Snapshot returns the current membership, for re-joining on reconnect.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.joined))
	for id := range r.joined {
		out = append(out, id)
	}
	return out
}
