// Package presence holds the last-known online state of peers. State is
// mutated only by peer-online / peer-offline channel events. Receiving a
// message from a peer never implies the peer is online, since stale delivery
// would produce false signals.
package presence

import "sync"

type Tracker struct {
	mu    sync.Mutex
	peers map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{peers: make(map[string]bool)}
}

// IsOnline returns the last-known state for peerID. known is false before
// the first event for that peer arrives, and again after a Reset.
func (t *Tracker) IsOnline(peerID string) (online, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	online, known = t.peers[peerID]
	return online, known
}

func (t *Tracker) SetOnline(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = true
}

func (t *Tracker) SetOffline(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerID] = false
}

// Reset drops all state back to unknown. Called on disconnect: subscriptions
// do not survive the transport, so neither does the presence picture built
// from them.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]bool)
}
