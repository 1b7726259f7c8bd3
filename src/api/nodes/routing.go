package nodes

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateID   = errors.New("participant ids are not unique")
	ErrUnknownPeer   = errors.New("participant not found")
	ErrSelfNotMapped = errors.New("local participant has no endpoint")
)

// ParticipantMap maps announced endpoints to participant ids.
// It is filled once during discovery and read-only afterwards.
type ParticipantMap struct {
	self    ID
	entries map[Endpoint]ID
}

func NewParticipantMap(self ID) *ParticipantMap {
	return &ParticipantMap{
		self:    self,
		entries: make(map[Endpoint]ID),
	}
}

// Insert records (or overwrites) the id announced from an endpoint.
func (m *ParticipantMap) Insert(ep Endpoint, id ID) {
	m.entries[ep] = id
}

func (m *ParticipantMap) Remove(ep Endpoint) {
	delete(m.entries, ep)
}

func (m *ParticipantMap) Self() ID {
	return m.self
}

// Len is the number of endpoints recorded.
func (m *ParticipantMap) Len() int {
	return len(m.entries)
}

// Distinct is the number of distinct ids recorded.
func (m *ParticipantMap) Distinct() int {
	seen := make(map[string]struct{}, len(m.entries))
	for _, id := range m.entries {
		seen[id.Name] = struct{}{}
	}
	return len(seen)
}

// HasSelf reports whether an endpoint already maps to the local id.
func (m *ParticipantMap) HasSelf() bool {
	for _, id := range m.entries {
		if id.Name == m.self.Name {
			return true
		}
	}
	return false
}

// Validate checks that every endpoint maps to a different id and that the
// local participant is present exactly once.
func (m *ParticipantMap) Validate() error {
	seen := make(map[string]Endpoint, len(m.entries))
	for ep, id := range m.entries {
		if prev, ok := seen[id.Name]; ok {
			return fmt.Errorf("%w: %s announced from %s and %s", ErrDuplicateID, id, prev, ep)
		}
		seen[id.Name] = ep
	}
	if _, ok := seen[m.self.Name]; !ok {
		return ErrSelfNotMapped
	}
	return nil
}

// IDs returns every participant, local one included, in rank order.
func (m *ParticipantMap) IDs() []ID {
	ids := make([]ID, 0, len(m.entries))
	for _, id := range m.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Peers returns every participant except the local one, in rank order.
func (m *ParticipantMap) Peers() []ID {
	ids := m.IDs()
	peers := ids[:0]
	for _, id := range ids {
		if id.Name != m.self.Name {
			peers = append(peers, id)
		}
	}
	return peers
}

// Lookup returns the endpoint a participant announced.
func (m *ParticipantMap) Lookup(name string) (Endpoint, ID, error) {
	for ep, id := range m.entries {
		if id.Name == name {
			return ep, id, nil
		}
	}
	return Endpoint{}, ID{}, fmt.Errorf("%w: %s", ErrUnknownPeer, name)
}

// Endpoints returns a copy of the endpoint table.
func (m *ParticipantMap) Endpoints() map[Endpoint]ID {
	out := make(map[Endpoint]ID, len(m.entries))
	for ep, id := range m.entries {
		out[ep] = id
	}
	return out
}
