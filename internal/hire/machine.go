// Package hire enforces the engagement-request lifecycle between a requester
// and a target. Unlike messaging, nothing here is optimistic: a transition is
// committed locally only after the backend confirms it, because a wrong hire
// state on screen is worse than a moment of latency.
package hire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tutorlink/realtime/internal/api"
	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/models"
)

var (
	// ErrRequestActive means a pending request already exists for the pair.
	// The local cache has been refreshed from the backend by the time this is
	// returned; callers re-read status instead of retrying blindly.
	ErrRequestActive = errors.New("hire: request already active")

	// ErrInvalidTransition means the requested transition is not allowed from
	// the current status (e.g. cancelling an accepted request).
	ErrInvalidTransition = errors.New("hire: transition not allowed from current status")
)

// API is the slice of the backend client the state machine drives.
type API interface {
	SendHireRequest(ctx context.Context, targetID string) (models.HireRequest, error)
	CancelHireRequest(ctx context.Context, targetID string) (models.HireRequest, error)
	AcceptHireRequest(ctx context.Context, requesterID string) (models.HireRequest, error)
	RejectHireRequest(ctx context.Context, requesterID string) (models.HireRequest, error)
	HireStatus(ctx context.Context, otherID string) (models.HireRequest, error)
}

type Machine struct {
	selfID string
	api    API
	bus    *bus.Bus

	mu    sync.Mutex
	pairs map[string]models.HireRequest // keyed requester|target
}

func NewMachine(selfID string, backend API, b *bus.Bus) *Machine {
	return &Machine{
		selfID: selfID,
		api:    backend,
		bus:    b,
		pairs:  make(map[string]models.HireRequest),
	}
}

func pairKey(requesterID, targetID string) string {
	return requesterID + "|" + targetID
}

// Status returns the last-known status for the pair, HireNone when nothing is
// cached. Local only; use Refresh for the authoritative answer.
func (m *Machine) Status(requesterID, targetID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.pairs[pairKey(requesterID, targetID)]; ok {
		return req.Status
	}
	return models.HireNone
}

// Request creates a new engagement request from the caller to targetID.
// Allowed only when the prior request for the pair is absent or terminal.
func (m *Machine) Request(ctx context.Context, targetID string) (models.HireRequest, error) {
	if current := m.Status(m.selfID, targetID); !models.HireTerminal(current) {
		return models.HireRequest{}, ErrRequestActive
	}

	req, err := m.api.SendHireRequest(ctx, targetID)
	if err != nil {
		if api.IsRequestActive(err) {
			// Our cache was stale. Pull the authoritative status so the next
			// read is right, then report the conflict.
			if _, rerr := m.Refresh(ctx, targetID); rerr != nil {
				return models.HireRequest{}, fmt.Errorf("%w (refresh failed: %v)", ErrRequestActive, rerr)
			}
			return models.HireRequest{}, ErrRequestActive
		}
		return models.HireRequest{}, fmt.Errorf("hire: request: %w", err)
	}

	m.commit(req)
	return req, nil
}

// Cancel withdraws the caller's pending request to targetID.
func (m *Machine) Cancel(ctx context.Context, targetID string) (models.HireRequest, error) {
	if current := m.Status(m.selfID, targetID); current != models.HirePending {
		return models.HireRequest{}, ErrInvalidTransition
	}
	return m.mutate(ctx, m.selfID, targetID, func() (models.HireRequest, error) {
		return m.api.CancelHireRequest(ctx, targetID)
	})
}

// Accept accepts the pending request from requesterID to the caller.
func (m *Machine) Accept(ctx context.Context, requesterID string) (models.HireRequest, error) {
	if current := m.Status(requesterID, m.selfID); current != models.HirePending {
		return models.HireRequest{}, ErrInvalidTransition
	}
	return m.mutate(ctx, requesterID, m.selfID, func() (models.HireRequest, error) {
		return m.api.AcceptHireRequest(ctx, requesterID)
	})
}

// Reject declines the pending request from requesterID to the caller.
func (m *Machine) Reject(ctx context.Context, requesterID string) (models.HireRequest, error) {
	if current := m.Status(requesterID, m.selfID); current != models.HirePending {
		return models.HireRequest{}, ErrInvalidTransition
	}
	return m.mutate(ctx, requesterID, m.selfID, func() (models.HireRequest, error) {
		return m.api.RejectHireRequest(ctx, requesterID)
	})
}

func (m *Machine) mutate(ctx context.Context, requesterID, targetID string, call func() (models.HireRequest, error)) (models.HireRequest, error) {
	req, err := call()
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Code == api.CodeInvalidTransition {
			// The backend knows better than our cache; resynchronize.
			other := targetID
			if targetID == m.selfID {
				other = requesterID
			}
			m.Refresh(ctx, other)
			return models.HireRequest{}, ErrInvalidTransition
		}
		return models.HireRequest{}, fmt.Errorf("hire: %w", err)
	}
	m.commit(req)
	return req, nil
}

// Refresh fetches the authoritative status between the caller and otherID
// and commits it locally.
func (m *Machine) Refresh(ctx context.Context, otherID string) (models.HireRequest, error) {
	req, err := m.api.HireStatus(ctx, otherID)
	if err != nil {
		return models.HireRequest{}, fmt.Errorf("hire: refresh: %w", err)
	}
	m.commit(req)
	return req, nil
}

// Apply records a request learned out of band (a notification feed entry),
// publishing the change like any other committed transition.
func (m *Machine) Apply(req models.HireRequest) {
	m.commit(req)
}

// commit stores the confirmed request and notifies every widget watching the
// pair. Only confirmed backend state ever reaches this point.
func (m *Machine) commit(req models.HireRequest) {
	if req.RequesterID == "" || req.TargetID == "" {
		return
	}
	key := pairKey(req.RequesterID, req.TargetID)

	m.mu.Lock()
	prev, had := m.pairs[key]
	m.pairs[key] = req
	m.mu.Unlock()

	if !had || prev.Status != req.Status {
		m.bus.Publish(bus.Hire(req.RequesterID, req.TargetID), req)
	}
}
