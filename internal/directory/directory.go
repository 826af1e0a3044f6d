// Package directory declares the lookups the gateway delegates to the rest of
// the system: which groups an identity belongs to and what a user looks like.
// Persistence of that data is out of scope here; the static implementation
// backs the demo server and tests.
package directory

import (
	"context"
	"errors"
	"sync"
)

var ErrUnknownUser = errors.New("unknown user")

// Profile is the display attributes carried on presence and voice-state
// broadcasts.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Membership interface {
	// GroupsOf returns the group ids the identity belongs to.
	GroupsOf(ctx context.Context, userID string) ([]string, error)
	// TopicOf maps a group id to its fan-out topic name.
	TopicOf(groupID string) string
}

type Users interface {
	User(ctx context.Context, userID string) (Profile, error)
}

// Static is an in-memory Membership + Users implementation.
type Static struct {
	mu      sync.RWMutex
	groups  map[string][]string
	users   map[string]Profile
}

func NewStatic() *Static {
	return &Static{
		groups: make(map[string][]string),
		users:  make(map[string]Profile),
	}
}

func (s *Static) AddUser(p Profile, groupIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = p
	s.groups[p.ID] = append(s.groups[p.ID], groupIDs...)
}

func (s *Static) GroupsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.groups[userID]))
	copy(out, s.groups[userID])
	return out, nil
}

func (s *Static) TopicOf(groupID string) string {
	return "server:" + groupID
}

func (s *Static) User(_ context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	if !ok {
		return Profile{}, ErrUnknownUser
	}
	return p, nil
}
